package dfu

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"openenterprise/dfuloader/session"
)

// BlockSize is the amount of image data committed by one Program command.
const BlockSize = MaxSendData

// pieceSize leaves room for the Program address in the last frame.
const pieceSize = MaxDataSize - 4

// StatusError is a non-success response.
type StatusError struct {
	Command byte
	Status  byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dfu: command 0x%02x: %s (0x%02x)", e.Command, OutcomeFor(e.Status).Describe(), e.Status)
}

// Outcome returns the session outcome carried by the status.
func (e *StatusError) Outcome() session.Outcome {
	return OutcomeFor(e.Status)
}

// DeviceInfo is returned by Enter.
type DeviceInfo struct {
	DeviceID uint32
	Revision byte
	Version  [3]byte
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("device 0x%08x rev %d version %d.%d.%d", d.DeviceID, d.Revision, d.Version[0], d.Version[1], d.Version[2])
}

// Client runs the host side of a session over any byte stream. Deadlines
// are the stream's business.
type Client struct {
	rw  io.ReadWriter
	tx  [MaxFrameSize]byte
	rx  [2 * MaxFrameSize]byte
	rxN int
}

func NewClient(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

// Do sends one command and waits for its response.
func (c *Client) Do(cmd byte, data []byte) ([]byte, error) {
	n, err := Encode(c.tx[:], cmd, data)
	if err != nil {
		return nil, err
	}
	if _, err := c.rw.Write(c.tx[:n]); err != nil {
		return nil, fmt.Errorf("dfu: send 0x%02x: %w", cmd, err)
	}
	for {
		status, resp, used, err := Decode(c.rx[:c.rxN])
		if err == nil {
			out := append([]byte(nil), resp...)
			copy(c.rx[:], c.rx[used:c.rxN])
			c.rxN -= used
			if status != StatusSuccess {
				return out, &StatusError{Command: cmd, Status: status}
			}
			return out, nil
		}
		if !errors.Is(err, ErrShortFrame) {
			c.rxN = 0
			return nil, fmt.Errorf("dfu: response to 0x%02x: %w", cmd, err)
		}
		got, err := c.rw.Read(c.rx[c.rxN:])
		c.rxN += got
		if err != nil && got == 0 {
			return nil, fmt.Errorf("dfu: response to 0x%02x: %w", cmd, err)
		}
	}
}

func (c *Client) Enter() (DeviceInfo, error) {
	resp, err := c.Do(CmdEnter, nil)
	if err != nil {
		return DeviceInfo{}, err
	}
	if len(resp) != enterResponseSize {
		return DeviceInfo{}, fmt.Errorf("dfu: enter response of %d bytes: %w", len(resp), ErrFrameLength)
	}
	info := DeviceInfo{DeviceID: binary.LittleEndian.Uint32(resp[:4]), Revision: resp[4]}
	copy(info.Version[:], resp[5:])
	return info, nil
}

// Program writes block at addr: SendData frames followed by one Program.
func (c *Client) Program(addr uint32, block []byte) error {
	if len(block) == 0 || len(block) > BlockSize {
		return ErrFrameLength
	}
	for len(block) > pieceSize {
		if _, err := c.Do(CmdSendData, block[:pieceSize]); err != nil {
			return err
		}
		block = block[pieceSize:]
	}
	var frame [MaxDataSize]byte
	binary.LittleEndian.PutUint32(frame[:4], addr)
	n := copy(frame[4:], block)
	_, err := c.Do(CmdProgram, frame[:4+n])
	return err
}

func (c *Client) Erase(addr uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], addr)
	_, err := c.Do(CmdErase, b[:])
	return err
}

func (c *Client) Verify(length uint32, sum [sha256.Size]byte) error {
	var b [verifyRequestSize]byte
	binary.LittleEndian.PutUint32(b[:4], length)
	copy(b[4:], sum[:])
	_, err := c.Do(CmdVerifyApp, b[:])
	return err
}

func (c *Client) Exit() error {
	_, err := c.Do(CmdExit, nil)
	return err
}

// Push runs a complete session for image starting at offset 0. progress,
// when set, is called after every block.
func (c *Client) Push(image []byte, progress func(done, total int)) error {
	if len(image) == 0 {
		return ErrFrameLength
	}
	if _, err := c.Enter(); err != nil {
		return err
	}
	for off := 0; off < len(image); off += BlockSize {
		end := min(off+BlockSize, len(image))
		if err := c.Program(uint32(off), image[off:end]); err != nil {
			return fmt.Errorf("dfu: program at %d: %w", off, err)
		}
		if progress != nil {
			progress(end, len(image))
		}
	}
	if err := c.Verify(uint32(len(image)), sha256.Sum256(image)); err != nil {
		return err
	}
	return c.Exit()
}
