// Package input decodes control-channel INPUT_DATA payloads into the
// virtual-device calls of spec.md §4.10.
//
// The wire layouts are grounded on
// _examples/zalo-moonparty/moonlight-common-go/protocol/packets.go's
// NV input packet structs (KeyboardPacket, RelMouseMovePacket,
// MultiControllerPacket, ControllerArrivalPacket, TouchPacket,
// PenPacket, etc.) and on
// original_source/src/moonlight-protocol/moonlight/control.hpp's
// INPUT_TYPE/CONTROLLER_TYPE enums; the Gen5+ subtype values used here
// are spec.md §4.10's own literal magic numbers, which differ from
// zalo-moonparty's legacy (pre-Gen5) constants in a few places (e.g.
// MOUSE_MOVE_REL is 0x07 here, not that file's legacy 0x06).
package input

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Subtype is the little-endian enum tag at the front of an INPUT_DATA
// payload (spec.md §4.10).
type Subtype uint32

const (
	SubtypeKeyPress     Subtype = 0x03
	SubtypeKeyRelease   Subtype = 0x04
	SubtypeMouseMoveAbs Subtype = 0x05
	SubtypeMouseMoveRel Subtype = 0x07
	SubtypeMouseButtonPress   Subtype = 0x08
	SubtypeMouseButtonRelease Subtype = 0x09
	SubtypeMouseScroll  Subtype = 0x0A
	SubtypeControllerMulti Subtype = 0x0C
	SubtypeUTF8Text     Subtype = 0x17

	SubtypeMouseHScroll       Subtype = 0x55000001
	SubtypeTouch              Subtype = 0x55000002
	SubtypePen                Subtype = 0x55000003
	SubtypeControllerArrival  Subtype = 0x55000004
	SubtypeControllerTouch    Subtype = 0x55000005
	SubtypeControllerMotion   Subtype = 0x55000006
	SubtypeControllerBattery  Subtype = 0x55000007
)

// MouseButton identifies which button a press/release event targets.
type MouseButton int

const (
	MouseButtonLeft MouseButton = iota + 1
	MouseButtonMiddle
	MouseButtonRight
	MouseButtonSide
	MouseButtonExtra
)

// ControllerType mirrors the declared type in a CONTROLLER_ARRIVAL
// packet.
type ControllerType int

const (
	ControllerTypeXbox ControllerType = iota
	ControllerTypePS
	ControllerTypeNintendo
)

// Controller capability bits (spec.md §4.10).
const (
	CapAnalogTriggers = 1 << iota
	CapRumble
	CapTriggerRumble
	CapTouchpad
	CapAccelerometer
	CapGyro
	CapBattery
	CapRGBLED
)

// Sink is the virtual-device backend the interpreter drives. Every
// method must be non-blocking and return quickly (spec.md §4.10
// "interpreter never blocks").
type Sink interface {
	MouseMoveRel(dx, dy int16)
	MouseMoveAbs(x, y, width, height uint16)
	MouseButton(button MouseButton, pressed bool)
	MouseScroll(amount int16)
	MouseHScroll(amount int16)
	KeyEvent(keycode uint16, pressed bool)
	PasteUTF(text string)

	ControllerArrival(index int, kind ControllerType, capabilities uint32, supportedButtons uint32)
	ControllerMulti(index int, buttonFlags uint32, leftStickX, leftStickY, rightStickX, rightStickY int16, leftTrigger, rightTrigger uint8)
	ControllerTouch(index int, eventType uint8, pointerID uint32, x, y, pressure float32)
	ControllerMotion(index int, motionType uint8, x, y, z float32)
	ControllerBattery(index int, state, percentage uint8)

	Touch(eventType uint8, pointerID uint32, x, y, pressure float32)
	Pen(eventType uint8, toolType, buttons uint8, x, y, pressure float32)
}

// Interpreter decodes INPUT_DATA payloads and dispatches to a Sink.
type Interpreter struct {
	sink Sink
	log  *zap.Logger
}

// New builds an Interpreter.
func New(sink Sink, log *zap.Logger) *Interpreter {
	return &Interpreter{sink: sink, log: log.With(zap.String("component", "input"))}
}

// Dispatch decodes one INPUT_DATA payload and invokes the matching
// Sink method. Unknown subtypes are logged and dropped, never blocking
// or panicking on truncated input.
func (i *Interpreter) Dispatch(payload []byte) {
	if len(payload) < 4 {
		i.log.Warn("short input payload", zap.Int("len", len(payload)))
		return
	}

	subtype := Subtype(binary.LittleEndian.Uint32(payload[0:4]))
	body := payload[4:]

	switch subtype {
	case SubtypeMouseMoveRel:
		i.mouseMoveRel(body)
	case SubtypeMouseMoveAbs:
		i.mouseMoveAbs(body)
	case SubtypeMouseButtonPress:
		i.mouseButton(body, true)
	case SubtypeMouseButtonRelease:
		i.mouseButton(body, false)
	case SubtypeMouseScroll:
		i.mouseScroll(body)
	case SubtypeMouseHScroll:
		i.mouseHScroll(body)
	case SubtypeKeyPress:
		i.keyEvent(body, true)
	case SubtypeKeyRelease:
		i.keyEvent(body, false)
	case SubtypeUTF8Text:
		i.utf8Text(body)
	case SubtypeControllerArrival:
		i.controllerArrival(body)
	case SubtypeControllerMulti:
		i.controllerMulti(body)
	case SubtypeControllerTouch:
		i.controllerTouch(body)
	case SubtypeControllerMotion:
		i.controllerMotion(body)
	case SubtypeControllerBattery:
		i.controllerBattery(body)
	case SubtypeTouch:
		i.touch(body)
	case SubtypePen:
		i.pen(body)
	default:
		i.log.Debug("unknown input subtype dropped", zap.Uint32("subtype", uint32(subtype)))
	}
}

func (i *Interpreter) mouseMoveRel(body []byte) {
	if len(body) < 4 {
		i.log.Warn("truncated mouse move rel")
		return
	}
	dx := int16(binary.BigEndian.Uint16(body[0:2]))
	dy := int16(binary.BigEndian.Uint16(body[2:4]))
	i.sink.MouseMoveRel(dx, dy)
}

func (i *Interpreter) mouseMoveAbs(body []byte) {
	if len(body) < 10 {
		i.log.Warn("truncated mouse move abs")
		return
	}
	x := binary.BigEndian.Uint16(body[0:2])
	y := binary.BigEndian.Uint16(body[2:4])
	width := binary.BigEndian.Uint16(body[6:8])
	height := binary.BigEndian.Uint16(body[8:10])
	i.sink.MouseMoveAbs(x, y, width, height)
}

func (i *Interpreter) mouseButton(body []byte, pressed bool) {
	if len(body) < 1 {
		i.log.Warn("truncated mouse button")
		return
	}
	button := mouseButtonFromWire(body[0])
	i.sink.MouseButton(button, pressed)
}

func mouseButtonFromWire(raw byte) MouseButton {
	switch raw {
	case 1:
		return MouseButtonLeft
	case 2:
		return MouseButtonMiddle
	case 3:
		return MouseButtonRight
	case 4:
		return MouseButtonSide
	case 5:
		return MouseButtonExtra
	default:
		return MouseButtonLeft
	}
}

func (i *Interpreter) mouseScroll(body []byte) {
	if len(body) < 2 {
		i.log.Warn("truncated mouse scroll")
		return
	}
	amount := int16(binary.BigEndian.Uint16(body[0:2]))
	i.sink.MouseScroll(amount)
}

func (i *Interpreter) mouseHScroll(body []byte) {
	if len(body) < 2 {
		i.log.Warn("truncated mouse hscroll")
		return
	}
	amount := int16(binary.BigEndian.Uint16(body[0:2]))
	i.sink.MouseHScroll(amount)
}

func (i *Interpreter) keyEvent(body []byte, pressed bool) {
	if len(body) < 4 {
		i.log.Warn("truncated key event")
		return
	}
	keycode := binary.LittleEndian.Uint16(body[1:3]) & 0x7fff
	i.sink.KeyEvent(keycode, pressed)
}

func (i *Interpreter) utf8Text(body []byte) {
	if !utf8.Valid(body) {
		i.log.Warn("invalid utf-8 text payload dropped")
		return
	}
	i.sink.PasteUTF(string(body))
}

func (i *Interpreter) controllerArrival(body []byte) {
	if len(body) < 8 {
		i.log.Warn("truncated controller arrival")
		return
	}
	index := int(body[0])
	kind := controllerTypeFromWire(body[1])
	capabilities := uint32(binary.LittleEndian.Uint16(body[2:4]))
	supportedButtons := binary.LittleEndian.Uint32(body[4:8])
	i.sink.ControllerArrival(index, kind, capabilities, supportedButtons)
}

func controllerTypeFromWire(raw byte) ControllerType {
	switch raw {
	case 1:
		return ControllerTypePS
	case 2:
		return ControllerTypeNintendo
	default:
		return ControllerTypeXbox
	}
}

// controllerMulti decodes the legacy/Gen5 multi-controller layout
// (header fields already stripped by Dispatch's 4-byte subtype cut).
func (i *Interpreter) controllerMulti(body []byte) {
	if len(body) < 20 {
		i.log.Warn("truncated controller multi")
		return
	}
	index := int(binary.LittleEndian.Uint16(body[2:4]))
	buttonFlags := uint32(binary.LittleEndian.Uint16(body[8:10]))
	leftTrigger := body[10]
	rightTrigger := body[11]
	leftStickX := int16(binary.LittleEndian.Uint16(body[12:14]))
	leftStickY := invertY(int16(binary.LittleEndian.Uint16(body[14:16])))
	rightStickX := int16(binary.LittleEndian.Uint16(body[16:18]))
	rightStickY := invertY(int16(binary.LittleEndian.Uint16(body[18:20])))

	i.sink.ControllerMulti(index, buttonFlags, leftStickX, leftStickY, rightStickX, rightStickY, leftTrigger, rightTrigger)
}

func invertY(y int16) int16 {
	if y == -32768 {
		return 32767
	}
	return -y
}

func (i *Interpreter) controllerTouch(body []byte) {
	if len(body) < 20 {
		i.log.Warn("truncated controller touch")
		return
	}
	index := int(body[0])
	eventType := body[1]
	pointerID := binary.LittleEndian.Uint32(body[4:8])
	x := netfloat(body[8:12])
	y := netfloat(body[12:16])
	pressure := netfloat(body[16:20])
	i.sink.ControllerTouch(index, eventType, pointerID, x, y, pressure)
}

func (i *Interpreter) controllerMotion(body []byte) {
	if len(body) < 16 {
		i.log.Warn("truncated controller motion")
		return
	}
	index := int(body[0])
	motionType := body[1]
	x := netfloat(body[4:8])
	y := netfloat(body[8:12])
	z := netfloat(body[12:16])
	i.sink.ControllerMotion(index, motionType, x, y, z)
}

func (i *Interpreter) controllerBattery(body []byte) {
	if len(body) < 4 {
		i.log.Warn("truncated controller battery")
		return
	}
	index := int(body[0])
	state := body[1]
	percentage := body[2]
	i.sink.ControllerBattery(index, state, percentage)
}

func (i *Interpreter) touch(body []byte) {
	if len(body) < 20 {
		i.log.Warn("truncated touch")
		return
	}
	eventType := body[0]
	pointerID := binary.LittleEndian.Uint32(body[4:8])
	x := netfloat(body[8:12])
	y := netfloat(body[12:16])
	pressure := netfloat(body[16:20])
	i.sink.Touch(eventType, pointerID, x, y, pressure)
}

func (i *Interpreter) pen(body []byte) {
	if len(body) < 16 {
		i.log.Warn("truncated pen")
		return
	}
	eventType := body[0]
	toolType := body[1]
	buttons := body[2]
	x := netfloat(body[4:8])
	y := netfloat(body[8:12])
	pressure := netfloat(body[12:16])
	i.sink.Pen(eventType, toolType, buttons, x, y, pressure)
}

// netfloat decodes a little-endian IEEE-754 float32, the wire encoding
// Moonlight calls "netfloat" (spec.md §4.10, grounded on
// zalo-moonparty's FloatToNetfloat/NetfloatToFloat helpers).
func netfloat(b []byte) float32 {
	if len(b) < 4 {
		return 0
	}
	bits := binary.LittleEndian.Uint32(b)
	return math.Float32frombits(bits)
}

// String renders a Subtype for logging.
func (s Subtype) String() string {
	return fmt.Sprintf("0x%x", uint32(s))
}
