// Package dispatch implements the offloading protocol's opcode
// catalogue: arity/length validation, big-endian scalar decoding,
// invocation of the host filesystem/network primitives, and
// status-first reply construction.
package dispatch

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbedhost/offloadfrontend/internal/frame"
	"github.com/mbedhost/offloadfrontend/internal/handles"
	"github.com/mbedhost/offloadfrontend/internal/hostfs"
	"github.com/mbedhost/offloadfrontend/internal/hostnet"
)

// Result is what one dispatched EXECUTE produces.
type Result struct {
	Status   frame.Status
	Outputs  [][]byte
	Exited   bool
	ExitCode int
}

// Dispatcher owns the collaborators an opcode handler may call into.
// It holds no channel state itself (that belongs to internal/frontend)
// so it can be constructed once and reused, or unit-tested with fake
// Net/FS implementations.
type Dispatcher struct {
	Net     hostnet.Net
	FS      hostfs.FS
	Handles *handles.Table
	Sockets *hostnet.SocketTable
	Log     zerolog.Logger
}

// Dispatch executes opcode against args, where args[0] is the top of
// the argument stack (the last item pushed), matching the wire
// protocol's convention. It never returns an error itself: all
// failure information is carried in Result.Status.
func (d *Dispatcher) Dispatch(opcode uint32, args [][]byte) Result {
	arity := ArityOf(opcode)
	if len(args) < arity {
		d.Log.Debug().Uint32("opcode", opcode).Int("want_arity", arity).Int("got", len(args)).Msg("arity underflow")
		return Result{Status: frame.StatusBadInput}
	}
	in := args[:arity]

	switch Opcode(opcode) {
	case OpExit:
		return d.doExit(in)
	case OpEcho:
		return d.doEcho(in)
	case OpUsleep:
		return d.doUsleep(in)
	case OpSocket:
		return d.doSocket(in)
	case OpAccept:
		return d.doAccept(in)
	case OpSetBlock:
		return d.doSetBlock(in)
	case OpRecv:
		return d.doRecv(in)
	case OpSend:
		return d.doSend(in)
	case OpShutdown:
		return d.doShutdown(in)
	case OpFopen:
		return d.doFopen(in)
	case OpFread:
		return d.doFread(in)
	case OpFgets:
		return d.doFgets(in)
	case OpFwrite:
		return d.doFwrite(in)
	case OpFclose:
		return d.doFclose(in)
	case OpFseek:
		return d.doFseek(in)
	case OpFtell:
		return d.doFtell(in)
	case OpFerror:
		return d.doFerror(in)
	case OpDopen:
		return d.doDopen(in)
	case OpDread:
		return d.doDread(in)
	case OpDclose:
		return d.doDclose(in)
	case OpStat:
		return d.doStat(in)
	default:
		d.Log.Debug().Uint32("opcode", opcode).Msg("unknown opcode")
		return Result{Status: frame.StatusBadInput}
	}
}

func minLen(b []byte, n int) bool { return len(b) >= n }

func u16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func u32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func putU16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

func putU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// cstrToString strips one trailing NUL byte, if present, matching a
// C string pushed with its terminator.
func cstrToString(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return string(b[:len(b)-1])
	}
	return string(b)
}

func (d *Dispatcher) doExit(in [][]byte) Result {
	if !minLen(in[0], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	code := u32(in[0])
	return Result{Status: frame.StatusOK, Exited: true, ExitCode: int(code)}
}

func (d *Dispatcher) doEcho(in [][]byte) Result {
	out := make([]byte, len(in[0]))
	copy(out, in[0])
	return Result{Status: frame.StatusOK, Outputs: [][]byte{out}}
}

func (d *Dispatcher) doUsleep(in [][]byte) Result {
	if !minLen(in[0], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	usec := u32(in[0])
	time.Sleep(time.Duration(usec) * time.Microsecond)
	return Result{Status: frame.StatusOK}
}

func (d *Dispatcher) doSocket(in [][]byte) Result {
	if !minLen(in[2], 2) {
		return Result{Status: frame.StatusBadInput}
	}
	hostBuf, portBuf := in[0], in[1]
	if len(hostBuf) == 0 || hostBuf[len(hostBuf)-1] != 0 ||
		len(portBuf) == 0 || portBuf[len(portBuf)-1] != 0 {
		return Result{Status: frame.StatusBadInput}
	}
	host := cstrToString(hostBuf)
	port := cstrToString(portBuf)
	protoAndMode := u16(in[2])
	isBind := protoAndMode&socketDirectionMask == socketDirectionBind
	proto := hostnet.Protocol(0)
	if protoAndMode&socketProtocolMask != 0 {
		proto = hostnet.ProtoUDP
	}
	var conn *hostnet.Conn
	var err error
	if isBind {
		conn, err = d.Net.Bind(host, port, proto)
	} else {
		conn, err = d.Net.Connect(host, port, proto)
	}
	if err != nil {
		d.Log.Debug().Err(err).Str("host", host).Str("port", port).Msg("socket failed")
		return Result{Status: frame.StatusBadOutput}
	}
	fd := d.Sockets.Put(conn)
	return Result{Status: frame.StatusOK, Outputs: [][]byte{putU16(fd)}}
}

func (d *Dispatcher) doAccept(in [][]byte) Result {
	if !minLen(in[0], 2) || !minLen(in[1], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	bindFd := u16(in[0])
	bufSize := u32(in[1])
	bindConn, err := d.Sockets.Get(bindFd)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	newBind, client, ip, err := d.Net.Accept(bindConn, int(bufSize))
	if err != nil {
		d.Log.Debug().Err(err).Uint16("bind_fd", bindFd).Msg("accept failed")
		return Result{Status: frame.StatusBadOutput}
	}
	var newBindFd, clientFd uint16
	if bindConn.Listener != nil {
		// TCP: the bind socket is unchanged, the client gets a fresh fd.
		newBindFd = bindFd
		clientFd = d.Sockets.Put(client)
	} else {
		// UDP: the old bind fd now names the client conversation; a
		// fresh fd names the replacement listener.
		clientFd = bindFd
		d.Sockets.PutAt(bindFd, client)
		newBindFd = d.Sockets.Put(newBind)
	}
	if len(ip) > int(bufSize) {
		ip = ip[:bufSize]
	}
	return Result{Status: frame.StatusOK, Outputs: [][]byte{putU16(newBindFd), putU16(clientFd), ip}}
}

func (d *Dispatcher) doSetBlock(in [][]byte) Result {
	if !minLen(in[0], 2) || !minLen(in[1], 2) {
		return Result{Status: frame.StatusBadInput}
	}
	fd := u16(in[0])
	mode := u16(in[1])
	conn, err := d.Sockets.Get(fd)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	switch mode {
	case BlockModeBlock:
		if err := d.Net.SetBlock(conn, true); err != nil {
			return Result{Status: frame.StatusBadOutput}
		}
	case BlockModeNonblock:
		if err := d.Net.SetBlock(conn, false); err != nil {
			return Result{Status: frame.StatusBadOutput}
		}
	default:
		return Result{Status: frame.StatusBadInput}
	}
	return Result{Status: frame.StatusOK}
}

func (d *Dispatcher) doRecv(in [][]byte) Result {
	if !minLen(in[0], 2) || !minLen(in[1], 4) || !minLen(in[2], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	fd := u16(in[0])
	length := u32(in[1])
	timeout := u32(in[2])
	conn, err := d.Sockets.Get(fd)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	buf := make([]byte, length)
	infinite := timeout == TimeoutInfinite
	n, err := d.Net.Recv(conn, buf, time.Duration(timeout)*time.Microsecond, infinite)
	if err != nil && n == 0 {
		d.Log.Debug().Err(err).Uint16("fd", fd).Msg("recv failed")
		return Result{Status: frame.StatusReceive}
	}
	return Result{Status: frame.StatusOK, Outputs: [][]byte{buf[:n]}}
}

func (d *Dispatcher) doSend(in [][]byte) Result {
	if !minLen(in[0], 2) {
		return Result{Status: frame.StatusBadInput}
	}
	fd := u16(in[0])
	data := in[1]
	conn, err := d.Sockets.Get(fd)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	n, err := d.Net.Send(conn, data)
	if err != nil {
		d.Log.Debug().Err(err).Uint16("fd", fd).Msg("send failed")
		return Result{Status: frame.StatusSend}
	}
	return Result{Status: frame.StatusOK, Outputs: [][]byte{putU32(uint32(n))}}
}

func (d *Dispatcher) doShutdown(in [][]byte) Result {
	if !minLen(in[0], 2) {
		return Result{Status: frame.StatusBadInput}
	}
	fd := u16(in[0])
	conn, err := d.Sockets.Get(fd)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	_ = d.Net.Shutdown(conn)
	d.Sockets.Release(fd)
	return Result{Status: frame.StatusOK}
}

func (d *Dispatcher) doFopen(in [][]byte) Result {
	mode := cstrToString(in[0])
	path := cstrToString(in[1])
	f, err := d.FS.Open(path, mode)
	if err != nil {
		d.Log.Debug().Err(err).Str("path", path).Str("mode", mode).Msg("fopen failed")
		return Result{Status: frame.StatusBadOutput}
	}
	id, err := d.Handles.Allocate(f)
	if err != nil {
		f.Close()
		return Result{Status: frame.StatusBadOutput}
	}
	return Result{Status: frame.StatusOK, Outputs: [][]byte{putU32(id)}}
}

func (d *Dispatcher) doFread(in [][]byte) Result {
	if !minLen(in[0], 4) || !minLen(in[1], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	size := u32(in[0])
	handleID := u32(in[1])
	f, err := getFile(d.Handles, handleID)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	buf := make([]byte, size)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return Result{Status: frame.StatusBadOutput}
	}
	return Result{Status: frame.StatusOK, Outputs: [][]byte{buf[:n]}}
}

func (d *Dispatcher) doFgets(in [][]byte) Result {
	if !minLen(in[0], 4) || !minLen(in[1], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	size := u32(in[0])
	handleID := u32(in[1])
	f, err := getFile(d.Handles, handleID)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	line, err := f.GetsLine(int(size))
	if err != nil && err != io.EOF {
		return Result{Status: frame.StatusBadOutput}
	}
	if err == io.EOF && line == "" {
		return Result{Status: frame.StatusBadOutput}
	}
	out := append([]byte(line), 0)
	return Result{Status: frame.StatusOK, Outputs: [][]byte{out}}
}

func (d *Dispatcher) doFwrite(in [][]byte) Result {
	if !minLen(in[1], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	data := in[0]
	handleID := u32(in[1])
	f, err := getFile(d.Handles, handleID)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	n, err := f.Write(data)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	return Result{Status: frame.StatusOK, Outputs: [][]byte{putU32(uint32(n))}}
}

func (d *Dispatcher) doFclose(in [][]byte) Result {
	if !minLen(in[0], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	handleID := u32(in[0])
	if _, err := getFile(d.Handles, handleID); err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	if err := d.Handles.Release(handleID); err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	return Result{Status: frame.StatusOK}
}

func (d *Dispatcher) doFseek(in [][]byte) Result {
	if !minLen(in[0], 4) || !minLen(in[1], 4) || !minLen(in[2], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	offset := int32(u32(in[0]))
	whence := u32(in[1])
	handleID := u32(in[2])
	f, err := getFile(d.Handles, handleID)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	var goWhence int
	switch whence {
	case SeekSet:
		goWhence = io.SeekStart
	case SeekCur:
		goWhence = io.SeekCurrent
	case SeekEnd:
		goWhence = io.SeekEnd
	default:
		return Result{Status: frame.StatusBadOutput}
	}
	if _, err := f.Seek(int64(offset), goWhence); err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	return Result{Status: frame.StatusOK}
}

func (d *Dispatcher) doFtell(in [][]byte) Result {
	if !minLen(in[0], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	handleID := u32(in[0])
	f, err := getFile(d.Handles, handleID)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	pos, err := f.Tell()
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	return Result{Status: frame.StatusOK, Outputs: [][]byte{putU32(uint32(pos))}}
}

func (d *Dispatcher) doFerror(in [][]byte) Result {
	if !minLen(in[0], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	handleID := u32(in[0])
	f, err := getFile(d.Handles, handleID)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	if f.Errored() {
		return Result{Status: frame.StatusBadOutput}
	}
	return Result{Status: frame.StatusOK}
}

func (d *Dispatcher) doDopen(in [][]byte) Result {
	path := cstrToString(in[0])
	dir, err := d.FS.OpenDir(path)
	if err != nil {
		d.Log.Debug().Err(err).Str("path", path).Msg("dopen failed")
		return Result{Status: frame.StatusBadOutput}
	}
	id, err := d.Handles.Allocate(dir)
	if err != nil {
		dir.Close()
		return Result{Status: frame.StatusBadOutput}
	}
	return Result{Status: frame.StatusOK, Outputs: [][]byte{putU32(id)}}
}

func (d *Dispatcher) doDread(in [][]byte) Result {
	if !minLen(in[0], 4) || !minLen(in[1], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	size := u32(in[0])
	handleID := u32(in[1])
	dir, err := getDir(d.Handles, handleID)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	name, err := dir.Next()
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	if uint32(len(name)+1) > size {
		if size == 0 {
			return Result{Status: frame.StatusBadOutput}
		}
		name = name[:size-1]
	}
	out := append([]byte(name), 0)
	return Result{Status: frame.StatusOK, Outputs: [][]byte{out}}
}

func (d *Dispatcher) doDclose(in [][]byte) Result {
	if !minLen(in[0], 4) {
		return Result{Status: frame.StatusBadInput}
	}
	handleID := u32(in[0])
	if _, err := getDir(d.Handles, handleID); err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	if err := d.Handles.Release(handleID); err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	return Result{Status: frame.StatusOK}
}

func (d *Dispatcher) doStat(in [][]byte) Result {
	path := cstrToString(in[0])
	ft, err := d.FS.Stat(path)
	if err != nil {
		return Result{Status: frame.StatusBadOutput}
	}
	return Result{Status: frame.StatusOK, Outputs: [][]byte{putU16(uint16(ft))}}
}

func getFile(t *handles.Table, id uint32) (*hostfs.File, error) {
	res, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	f, ok := res.(*hostfs.File)
	if !ok {
		return nil, hostfs.ErrNotOpened
	}
	return f, nil
}

func getDir(t *handles.Table, id uint32) (*hostfs.Dir, error) {
	res, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	dir, ok := res.(*hostfs.Dir)
	if !ok {
		return nil, hostfs.ErrNotOpened
	}
	return dir, nil
}
