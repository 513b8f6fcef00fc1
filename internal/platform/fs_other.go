//go:build !linux

package platform

func BlockSize(string) (int, error) { return 0, ErrUnsupported }

func Mount(string, string, string, uintptr, string) error { return ErrUnsupported }

func Unmount(string) error { return ErrUnsupported }
