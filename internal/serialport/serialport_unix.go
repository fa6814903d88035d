//go:build unix

package serialport

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// unixPort implements Port over a POSIX tty device configured via
// termios ioctls.
type unixPort struct {
	f *os.File
}

// Open opens device and configures it 9600-8N1 with a ~0.5s minimum
// read timeout (VMIN=1, VTIME=5 deciseconds), no parity, one stop bit,
// and no hardware or software flow control.
func Open(device string) (Port, error) {
	f, err := os.OpenFile(device, os.O_RDWR|unix.O_NOCTTY|unix.O_SYNC, 0)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	term, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, err
	}

	term.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	term.Oflag &^= unix.OPOST
	term.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	term.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	term.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	term.Ispeed = unix.B9600
	term.Ospeed = unix.B9600
	term.Cc[unix.VMIN] = 1
	term.Cc[unix.VTIME] = 5

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, term); err != nil {
		f.Close()
		return nil, err
	}

	return &unixPort{f: f}, nil
}

func (p *unixPort) Read(buf []byte) (int, error)  { return p.f.Read(buf) }
func (p *unixPort) Write(buf []byte) (int, error) { return p.f.Write(buf) }
func (p *unixPort) Close() error                  { return p.f.Close() }

// SendBreak drives TIOCSBRK for two seconds, then clears it with
// TIOCCBRK and sleeps two more seconds so the target has time to
// finish resetting. It never fails: a broken break signal shouldn't
// abort startup.
func (p *unixPort) SendBreak() error {
	fd := int(p.f.Fd())
	_ = unix.IoctlSetInt(fd, unix.TIOCSBRK, 0)
	time.Sleep(2 * time.Second)
	_ = unix.IoctlSetInt(fd, unix.TIOCCBRK, 0)
	time.Sleep(2 * time.Second)
	return nil
}
