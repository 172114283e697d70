// Package simulator is an in-process Modbus TCP field device. It answers read
// requests for function codes 1-4 from four register banks and is used by
// tests and by the gateway's simulate command.
package simulator

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
)

const (
	fcReadCoils          = 0x01
	fcReadDiscreteInputs = 0x02
	fcReadHolding        = 0x03
	fcReadInput          = 0x04

	maxBitsPerRead  = 2000
	maxWordsPerRead = 125

	mbapHeaderSize = 7
)

// exception is a Modbus exception code returned in place of data.
type exception byte

const (
	excIllegalFunction    exception = 0x01
	excIllegalDataAddress exception = 0x02
	excIllegalDataValue   exception = 0x03
	excDeviceFailure      exception = 0x04
)

func (e exception) Error() string { return fmt.Sprintf("modbus exception %d", byte(e)) }

// Bank selects one of the device's register tables.
type Bank int

const (
	Coils Bank = iota + 1
	DiscreteInputs
	HoldingRegisters
	InputRegisters
)

// Device serves Modbus TCP read requests. Unit ids are not checked.
type Device struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	failing   atomic.Bool
	requests  atomic.Int64

	mu       sync.RWMutex
	coils    []bool
	discrete []bool
	holding  []uint16
	input    []uint16
}

// New constructs a device with full 16-bit address spaces, all zero.
func New() *Device {
	return &Device{
		coils:    make([]bool, 65536),
		discrete: make([]bool, 65536),
		holding:  make([]uint16, 65536),
		input:    make([]uint16, 65536),
		quit:     make(chan struct{}),
	}
}

// Listen starts accepting connections on address (use "127.0.0.1:0" for an ephemeral port).
func (d *Device) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	d.listener = l

	d.wg.Add(1)
	go d.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (d *Device) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// SetFailing makes every request answer with a device-failure exception.
func (d *Device) SetFailing(failing bool) { d.failing.Store(failing) }

// Requests returns the number of PDUs handled so far.
func (d *Device) Requests() int64 { return d.requests.Load() }

func (d *Device) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.quit:
				return
			default:
			}
			continue
		}

		d.wg.Add(1)
		go d.serve(conn)
	}
}

func (d *Device) serve(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	go func() {
		<-d.quit
		conn.Close()
	}()

	header := make([]byte, mbapHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := d.handlePDU(pdu)

		// transaction id in header[0:2] is echoed unchanged
		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(append(append([]byte{}, header...), response...)); err != nil {
			return
		}
	}
}

func (d *Device) handlePDU(pdu []byte) []byte {
	d.requests.Add(1)
	fc := pdu[0]
	if d.failing.Load() {
		return []byte{fc | 0x80, byte(excDeviceFailure)}
	}
	data, err := d.answer(fc, pdu[1:])
	if err != nil {
		return []byte{fc | 0x80, byte(err.(exception))}
	}
	return append([]byte{fc, byte(len(data))}, data...)
}

// answer returns the response payload for a read, or an exception.
func (d *Device) answer(fc byte, body []byte) ([]byte, error) {
	var bank Bank
	switch fc {
	case fcReadCoils:
		bank = Coils
	case fcReadDiscreteInputs:
		bank = DiscreteInputs
	case fcReadHolding:
		bank = HoldingRegisters
	case fcReadInput:
		bank = InputRegisters
	default:
		return nil, excIllegalFunction
	}
	if len(body) < 4 {
		return nil, excIllegalDataValue
	}
	first := int(binary.BigEndian.Uint16(body[0:2]))
	count := int(binary.BigEndian.Uint16(body[2:4]))

	d.mu.RLock()
	defer d.mu.RUnlock()

	if bank == Coils || bank == DiscreteInputs {
		bits := d.coils
		if bank == DiscreteInputs {
			bits = d.discrete
		}
		if count < 1 || count > maxBitsPerRead {
			return nil, excIllegalDataValue
		}
		if first+count > len(bits) {
			return nil, excIllegalDataAddress
		}
		packed := make([]byte, (count+7)/8)
		for i, on := range bits[first : first+count] {
			if on {
				packed[i>>3] |= 1 << (i & 7)
			}
		}
		return packed, nil
	}

	words := d.holding
	if bank == InputRegisters {
		words = d.input
	}
	if count < 1 || count > maxWordsPerRead {
		return nil, excIllegalDataValue
	}
	if first+count > len(words) {
		return nil, excIllegalDataAddress
	}
	out := make([]byte, 0, count*2)
	for _, w := range words[first : first+count] {
		out = binary.BigEndian.AppendUint16(out, w)
	}
	return out, nil
}

// Close stops the listener, drops open connections and waits for all goroutines.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		if d.listener != nil {
			d.listener.Close()
		}
	})
	d.wg.Wait()
}

// SetWord writes one 16-bit word into a register bank.
func (d *Device) SetWord(bank Bank, address uint16, value uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch bank {
	case HoldingRegisters:
		d.holding[address] = value
	case InputRegisters:
		d.input[address] = value
	default:
		return fmt.Errorf("bank %d does not hold words", bank)
	}
	return nil
}

// SetBit writes a coil or discrete input.
func (d *Device) SetBit(bank Bank, address uint16, value bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch bank {
	case Coils:
		d.coils[address] = value
	case DiscreteInputs:
		d.discrete[address] = value
	default:
		return fmt.Errorf("bank %d does not hold bits", bank)
	}
	return nil
}

// SetUint32 writes a 32-bit value across two registers, high word first.
func (d *Device) SetUint32(bank Bank, address uint16, value uint32) error {
	if address == math.MaxUint16 {
		return fmt.Errorf("address %d out of range for 32-bit value", address)
	}
	if err := d.SetWord(bank, address, uint16(value>>16)); err != nil {
		return err
	}
	return d.SetWord(bank, address+1, uint16(value&0xFFFF))
}

// SetFloat32 writes an IEEE-754 single across two registers, high word first.
func (d *Device) SetFloat32(bank Bank, address uint16, value float32) error {
	return d.SetUint32(bank, address, math.Float32bits(value))
}
