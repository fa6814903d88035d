package dispatch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbedhost/offloadfrontend/internal/frame"
	"github.com/mbedhost/offloadfrontend/internal/handles"
	"github.com/mbedhost/offloadfrontend/internal/hostfs"
	"github.com/mbedhost/offloadfrontend/internal/hostnet"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return &Dispatcher{
		Net:     fakeNet{},
		FS:      hostfs.OSFS{},
		Handles: &handles.Table{},
		Sockets: &hostnet.SocketTable{},
		Log:     zerolog.Nop(),
	}
}

// fakeNet gives dispatch_test control over socket behavior without a
// real network stack.
type fakeNet struct{}

func (fakeNet) Bind(host, port string, proto hostnet.Protocol) (*hostnet.Conn, error) {
	if host == "bad" {
		return nil, errors.New("fake: bind refused")
	}
	return &hostnet.Conn{}, nil
}

func (fakeNet) Connect(host, port string, proto hostnet.Protocol) (*hostnet.Conn, error) {
	if host == "bad" {
		return nil, errors.New("fake: connect refused")
	}
	return &hostnet.Conn{TCPConn: nil}, nil
}

func (fakeNet) Accept(bind *hostnet.Conn, bufSize int) (*hostnet.Conn, *hostnet.Conn, []byte, error) {
	return bind, &hostnet.Conn{}, []byte("127.0.0.1"), nil
}

func (fakeNet) SetBlock(c *hostnet.Conn, block bool) error { return nil }

func (fakeNet) Recv(c *hostnet.Conn, buf []byte, timeout time.Duration, infinite bool) (int, error) {
	n := copy(buf, "hello")
	return n, nil
}

func (fakeNet) Send(c *hostnet.Conn, buf []byte) (int, error) {
	return len(buf), nil
}

func (fakeNet) Shutdown(c *hostnet.Conn) error { return nil }

func TestArityUnderflowIsBadInput(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Dispatch(uint32(OpExit), nil)
	if res.Status != frame.StatusBadInput {
		t.Fatalf("status = %v, want BAD_INPUT", res.Status)
	}
}

func TestExitCapturesCode(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Dispatch(uint32(OpExit), [][]byte{putU32(7)})
	if !res.Exited || res.ExitCode != 7 {
		t.Fatalf("got Exited=%v code=%d, want true/7", res.Exited, res.ExitCode)
	}
	if res.Status != frame.StatusOK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
}

func TestEchoRoundTrips(t *testing.T) {
	d := newTestDispatcher(t)
	payload := []byte("ping")
	res := d.Dispatch(uint32(OpEcho), [][]byte{payload})
	if res.Status != frame.StatusOK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	if len(res.Outputs) != 1 || string(res.Outputs[0]) != "ping" {
		t.Fatalf("outputs = %v, want [ping]", res.Outputs)
	}
}

func TestUsleepSleepsRequestedDuration(t *testing.T) {
	d := newTestDispatcher(t)
	start := time.Now()
	res := d.Dispatch(uint32(OpUsleep), [][]byte{putU32(1000)})
	if res.Status != frame.StatusOK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	if time.Since(start) < time.Millisecond {
		t.Fatalf("usleep returned too fast")
	}
}

func TestSocketRejectsNonNulTerminatedHost(t *testing.T) {
	d := newTestDispatcher(t)
	host := []byte("example.com") // no trailing NUL
	port := []byte("80\x00")
	res := d.Dispatch(uint32(OpSocket), [][]byte{host, port, putU16(0)})
	if res.Status != frame.StatusBadInput {
		t.Fatalf("status = %v, want BAD_INPUT", res.Status)
	}
}

func TestSocketConnectAllocatesFd(t *testing.T) {
	d := newTestDispatcher(t)
	host := []byte("example.com\x00")
	port := []byte("80\x00")
	res := d.Dispatch(uint32(OpSocket), [][]byte{host, port, putU16(0)})
	if res.Status != frame.StatusOK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	if len(res.Outputs) != 1 || len(res.Outputs[0]) != 2 {
		t.Fatalf("outputs = %v, want a single 2-byte fd", res.Outputs)
	}
	fd := u16(res.Outputs[0])
	if _, err := d.Sockets.Get(fd); err != nil {
		t.Fatalf("Sockets.Get(%d) failed: %v", fd, err)
	}
}

func TestSocketConnectFailurePropagates(t *testing.T) {
	d := newTestDispatcher(t)
	host := []byte("bad\x00")
	port := []byte("80\x00")
	res := d.Dispatch(uint32(OpSocket), [][]byte{host, port, putU16(0)})
	if res.Status != frame.StatusBadOutput {
		t.Fatalf("status = %v, want BAD_OUTPUT", res.Status)
	}
}

func TestSendUnknownFdIsBadOutput(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Dispatch(uint32(OpSend), [][]byte{putU16(99), []byte("data")})
	if res.Status != frame.StatusBadOutput {
		t.Fatalf("status = %v, want BAD_OUTPUT", res.Status)
	}
}

func TestSendReportsByteCount(t *testing.T) {
	d := newTestDispatcher(t)
	fd := d.Sockets.Put(&hostnet.Conn{})
	res := d.Dispatch(uint32(OpSend), [][]byte{putU16(fd), []byte("data")})
	if res.Status != frame.StatusOK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	if u32(res.Outputs[0]) != 4 {
		t.Fatalf("byte count = %d, want 4", u32(res.Outputs[0]))
	}
}

func TestRecvReturnsPayload(t *testing.T) {
	d := newTestDispatcher(t)
	fd := d.Sockets.Put(&hostnet.Conn{})
	res := d.Dispatch(uint32(OpRecv), [][]byte{putU16(fd), putU32(16), putU32(TimeoutInfinite)})
	if res.Status != frame.StatusOK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	if string(res.Outputs[0]) != "hello" {
		t.Fatalf("payload = %q, want hello", res.Outputs[0])
	}
}

func TestShutdownReleasesFd(t *testing.T) {
	d := newTestDispatcher(t)
	fd := d.Sockets.Put(&hostnet.Conn{})
	res := d.Dispatch(uint32(OpShutdown), [][]byte{putU16(fd)})
	if res.Status != frame.StatusOK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	if _, err := d.Sockets.Get(fd); err == nil {
		t.Fatalf("fd %d still present after SHUTDOWN", fd)
	}
}

func TestFileLifecycle(t *testing.T) {
	d := newTestDispatcher(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "greeting.txt")
	if err := os.WriteFile(path, []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	res := d.Dispatch(uint32(OpFopen), [][]byte{[]byte("r\x00"), append([]byte(path), 0)})
	if res.Status != frame.StatusOK {
		t.Fatalf("fopen status = %v, want OK", res.Status)
	}
	handleID := u32(res.Outputs[0])

	res = d.Dispatch(uint32(OpFgets), [][]byte{putU32(32), putU32(handleID)})
	if res.Status != frame.StatusOK {
		t.Fatalf("fgets status = %v, want OK", res.Status)
	}
	if string(res.Outputs[0]) != "line one\n\x00" {
		t.Fatalf("fgets line = %q", res.Outputs[0])
	}

	res = d.Dispatch(uint32(OpFtell), [][]byte{putU32(handleID)})
	if res.Status != frame.StatusOK {
		t.Fatalf("ftell status = %v, want OK", res.Status)
	}

	res = d.Dispatch(uint32(OpFclose), [][]byte{putU32(handleID)})
	if res.Status != frame.StatusOK {
		t.Fatalf("fclose status = %v, want OK", res.Status)
	}

	res = d.Dispatch(uint32(OpFtell), [][]byte{putU32(handleID)})
	if res.Status != frame.StatusBadOutput {
		t.Fatalf("ftell after close status = %v, want BAD_OUTPUT", res.Status)
	}
}

func TestFwriteAndFreadRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	res := d.Dispatch(uint32(OpFopen), [][]byte{[]byte("w\x00"), append([]byte(path), 0)})
	if res.Status != frame.StatusOK {
		t.Fatalf("fopen status = %v, want OK", res.Status)
	}
	handleID := u32(res.Outputs[0])

	res = d.Dispatch(uint32(OpFwrite), [][]byte{[]byte("abcd"), putU32(handleID)})
	if res.Status != frame.StatusOK || u32(res.Outputs[0]) != 4 {
		t.Fatalf("fwrite result = %+v, want OK/4", res)
	}

	d.Dispatch(uint32(OpFclose), [][]byte{putU32(handleID)})

	res = d.Dispatch(uint32(OpFopen), [][]byte{[]byte("r\x00"), append([]byte(path), 0)})
	handleID = u32(res.Outputs[0])
	res = d.Dispatch(uint32(OpFread), [][]byte{putU32(4), putU32(handleID)})
	if res.Status != frame.StatusOK || string(res.Outputs[0]) != "abcd" {
		t.Fatalf("fread result = %+v, want OK/abcd", res)
	}
}

func TestDirLifecycle(t *testing.T) {
	d := newTestDispatcher(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	res := d.Dispatch(uint32(OpDopen), [][]byte{append([]byte(dir), 0)})
	if res.Status != frame.StatusOK {
		t.Fatalf("dopen status = %v, want OK", res.Status)
	}
	handleID := u32(res.Outputs[0])

	res = d.Dispatch(uint32(OpDread), [][]byte{putU32(64), putU32(handleID)})
	if res.Status != frame.StatusOK {
		t.Fatalf("dread status = %v, want OK", res.Status)
	}
	if string(res.Outputs[0]) != "a.txt\x00" {
		t.Fatalf("dread entry = %q, want a.txt\\x00", res.Outputs[0])
	}

	res = d.Dispatch(uint32(OpDread), [][]byte{putU32(64), putU32(handleID)})
	if res.Status != frame.StatusBadOutput {
		t.Fatalf("dread past end status = %v, want BAD_OUTPUT", res.Status)
	}

	res = d.Dispatch(uint32(OpDclose), [][]byte{putU32(handleID)})
	if res.Status != frame.StatusOK {
		t.Fatalf("dclose status = %v, want OK", res.Status)
	}
}

func TestStatReportsFileType(t *testing.T) {
	d := newTestDispatcher(t)
	dir := t.TempDir()
	res := d.Dispatch(uint32(OpStat), [][]byte{append([]byte(dir), 0)})
	if res.Status != frame.StatusOK {
		t.Fatalf("stat status = %v, want OK", res.Status)
	}
	if hostfs.FileType(u16(res.Outputs[0])) != hostfs.FileTypeDir {
		t.Fatalf("file type = %d, want dir", u16(res.Outputs[0]))
	}
}

func TestStatMissingPathIsBadOutput(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Dispatch(uint32(OpStat), [][]byte{[]byte("/nonexistent/path\x00")})
	if res.Status != frame.StatusBadOutput {
		t.Fatalf("status = %v, want BAD_OUTPUT", res.Status)
	}
}

func TestUnknownOpcodeIsBadInput(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Dispatch(0xFFFFFF, [][]byte{[]byte("x")})
	if res.Status != frame.StatusBadInput {
		t.Fatalf("status = %v, want BAD_INPUT", res.Status)
	}
}
