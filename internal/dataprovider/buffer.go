package dataprovider

// Buffer streams an in-memory byte slice.
type Buffer struct {
	base
	data     []byte
	pos      int
	prepared bool
}

func NewBuffer(data []byte) *Buffer { return &Buffer{data: data} }

func (p *Buffer) Prepare() error {
	p.pos, p.prepared, p.ended = 0, true, false
	return nil
}

func (p *Buffer) GetData(buf []byte) (int, error) {
	if !p.prepared {
		return 0, ErrNotPrepared
	}
	return p.next(func() (int, error) {
		n := copy(buf, p.data[p.pos:])
		p.pos += n
		return n, nil
	})
}

func (p *Buffer) Finish() error {
	p.prepared = false
	return nil
}
