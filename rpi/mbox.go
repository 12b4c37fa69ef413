package rpi

import (
	"fmt"
	"os"
	"path"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// The mailbox that this file deals with is documented at
// https://github.com/raspberrypi/firmware/wiki/Mailbox-property-interface

const (
	VIDEOCORE_MAJOR_NUM = 100
	VCIO_FILE           = "/dev/vcio"
	MBOX_MODE           = 0600

	MBOX_BUF_WORDS = 32

	MBOX_PROCESS_REQUEST = uint32(0x00000000)
	MBOX_RESPONSE_OK     = uint32(0x80000000)
	MBOX_RESPONSE_ERR    = uint32(0x80000001)
	MBOX_TAG_RESPONSE    = uint32(0x80000000)

	TAG_ALLOCATE_MEMORY = uint32(0x3000c)
	TAG_LOCK_MEMORY     = uint32(0x3000d)
	TAG_UNLOCK_MEMORY   = uint32(0x3000e)
	TAG_RELEASE_MEMORY  = uint32(0x3000f)

	MEM_FLAG_DIRECT           = uint32(1 << 2) // 0xC alias, uncached
	MEM_FLAG_COHERENT         = uint32(2 << 2) // 0x8 alias, non-allocating in L2 but coherent
	MEM_FLAG_L1_NONALLOCATING = MEM_FLAG_DIRECT | MEM_FLAG_COHERENT
)

// mboxDev is what Mailbox sends property buffers through. On hardware it's an ioctl on
// /dev/vcio; tests substitute a fake firmware.
type mboxDev interface {
	property(buf []uint32) error
	Close() error
}

type vcioDev struct {
	f *os.File
}

var mboxPropertyReq = iowr(VIDEOCORE_MAJOR_NUM, 0, uintptr(0))

func (v *vcioDev) property(buf []uint32) error {
	return ioctlArrUint32(v.f.Fd(), mboxPropertyReq, buf)
}

func (v *vcioDev) Close() error {
	return v.f.Close()
}

// Mailbox is an open channel to the firmware's property interface.
type Mailbox struct {
	dev mboxDev
}

// OpenMailbox opens /dev/vcio for ioctl-ing with the mailbox. If that doesn't exist, it creates
// a temporary device node instead.
func OpenMailbox() (*Mailbox, error) {
	f, err := os.OpenFile(VCIO_FILE, os.O_RDONLY, 0)
	if os.IsNotExist(err) {
		f, err = mboxOpenTemp()
	}
	if err != nil {
		return nil, newError(PrivilegeError, "open mailbox", err)
	}
	return &Mailbox{dev: &vcioDev{f}}, nil
}

// mboxOpenTemp creates a temporary device node for ioctl-ing with the mailbox, opens it and
// immediately removes the node once it's open.
func mboxOpenTemp() (*os.File, error) {
	tf := path.Join(os.TempDir(), fmt.Sprintf("mailbox-%d", os.Getpid()))
	err := os.Remove(tf)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "couldn't remove temp mbox")
	}
	err = unix.Mknod(tf, unix.S_IFCHR|MBOX_MODE, int(unix.Mkdev(VIDEOCORE_MAJOR_NUM, 0)))
	if err != nil {
		return nil, errors.Wrap(err, "couldn't make device node")
	}
	f, err := os.OpenFile(tf, os.O_RDONLY, 0)
	if err != nil {
		os.Remove(tf) // Ignore error
		return nil, errors.Wrap(err, "couldn't open temp mbox")
	}
	err = os.Remove(tf)
	if err != nil {
		f.Close() // Ignore error
		return nil, errors.Wrap(err, "couldn't remove temp mbox")
	}
	return f, nil
}

func (m *Mailbox) Close() error {
	if m.dev == nil {
		return nil
	}
	err := m.dev.Close()
	m.dev = nil
	return err
}

// call sends a single-tag property message and returns the response payload, which the
// firmware writes over the request payload in place. Layout:
//
//	word 0: total size in bytes
//	word 1: request/response code
//	word 2: tag
//	word 3: value buffer size in bytes
//	word 4: request size in bytes; on return, bit 31 set and response size
//	word 5..: value buffer
//	then:   end tag (0)
func (m *Mailbox) call(op string, tag uint32, req []uint32, respWords int) ([]uint32, error) {
	if m == nil || m.dev == nil {
		return nil, newError(ProtocolError, op, errNotOpen)
	}
	valWords := len(req)
	if respWords > valWords {
		valWords = respWords
	}
	var p [MBOX_BUF_WORDS]uint32
	i := 0
	p[i] = 0 // size, filled in below
	i++
	p[i] = MBOX_PROCESS_REQUEST
	i++
	p[i] = tag
	i++
	p[i] = uint32(valWords * 4)
	i++
	p[i] = uint32(len(req) * 4)
	i++
	copy(p[i:], req)
	i += valWords
	p[i] = 0 // no more tags
	i++
	p[0] = uint32(i * 4)

	err := m.dev.property(p[:])
	if err != nil {
		return nil, newError(ProtocolError, op, errors.Wrapf(err, "mailbox property tag %#x", tag))
	}
	if p[1] != MBOX_RESPONSE_OK {
		return nil, newError(ProtocolError, op, errors.Errorf("response code %#08x for tag %#x", p[1], tag))
	}
	if p[4]&MBOX_TAG_RESPONSE == 0 {
		return nil, newError(ProtocolError, op, errors.Errorf("response tag unset: %#08x", p[4]))
	}
	resp := make([]uint32, respWords)
	copy(resp, p[5:])
	return resp, nil
}

// allocRequest is the value buffer of TAG_ALLOCATE_MEMORY.
type allocRequest struct {
	Size  uint32
	Align uint32
	Flags uint32
}

func (r allocRequest) words() []uint32 { return []uint32{r.Size, r.Align, r.Flags} }

// Alloc asks the firmware for size bytes of GPU memory and returns its handle.
func (m *Mailbox) Alloc(size, align, flags uint32) (uint32, error) {
	resp, err := m.call("allocate", TAG_ALLOCATE_MEMORY, allocRequest{size, align, flags}.words(), 1)
	if err != nil {
		return 0, err
	}
	if resp[0] == 0 {
		return 0, newError(ProtocolError, "allocate", errors.Errorf("out of memory allocating %d bytes", size))
	}
	return resp[0], nil
}

// Lock pins the allocation and returns its bus address, which stays put until Unlock.
func (m *Mailbox) Lock(handle uint32) (uint32, error) {
	resp, err := m.call("lock", TAG_LOCK_MEMORY, []uint32{handle}, 1)
	if err != nil {
		return 0, err
	}
	if resp[0] == 0 {
		return 0, newError(ProtocolError, "lock", errors.Errorf("handle %#x locked at bus address 0", handle))
	}
	return resp[0], nil
}

func (m *Mailbox) Unlock(handle uint32) error {
	return m.statusCall("unlock", TAG_UNLOCK_MEMORY, handle)
}

func (m *Mailbox) Free(handle uint32) error {
	return m.statusCall("free", TAG_RELEASE_MEMORY, handle)
}

func (m *Mailbox) statusCall(op string, tag uint32, handle uint32) error {
	resp, err := m.call(op, tag, []uint32{handle}, 1)
	if err != nil {
		return err
	}
	if resp[0] != 0 {
		return newError(ProtocolError, op, errors.Errorf("status non-zero for handle %#x: %d", handle, resp[0]))
	}
	return nil
}
