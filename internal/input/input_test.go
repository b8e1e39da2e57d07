package input

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type recordingSink struct {
	moveRelDX, moveRelDY int16
	moveCalled           bool

	button       MouseButton
	buttonPressed bool
	buttonCalled bool

	keycode uint16
	keyPressed bool
	keyCalled bool

	pasted string

	arrivalIndex int
	arrivalType  ControllerType
	arrivalCaps  uint32

	multiIndex       int
	multiButtons     uint32
	multiLX, multiLY int16
	multiRX, multiRY int16
}

func (s *recordingSink) MouseMoveRel(dx, dy int16) { s.moveCalled = true; s.moveRelDX, s.moveRelDY = dx, dy }
func (s *recordingSink) MouseMoveAbs(x, y, width, height uint16) {}
func (s *recordingSink) MouseButton(button MouseButton, pressed bool) {
	s.buttonCalled = true
	s.button = button
	s.buttonPressed = pressed
}
func (s *recordingSink) MouseScroll(amount int16)  {}
func (s *recordingSink) MouseHScroll(amount int16) {}
func (s *recordingSink) KeyEvent(keycode uint16, pressed bool) {
	s.keyCalled = true
	s.keycode = keycode
	s.keyPressed = pressed
}
func (s *recordingSink) PasteUTF(text string) { s.pasted = text }
func (s *recordingSink) ControllerArrival(index int, kind ControllerType, capabilities uint32, supportedButtons uint32) {
	s.arrivalIndex = index
	s.arrivalType = kind
	s.arrivalCaps = capabilities
}
func (s *recordingSink) ControllerMulti(index int, buttonFlags uint32, leftStickX, leftStickY, rightStickX, rightStickY int16, leftTrigger, rightTrigger uint8) {
	s.multiIndex = index
	s.multiButtons = buttonFlags
	s.multiLX, s.multiLY = leftStickX, leftStickY
	s.multiRX, s.multiRY = rightStickX, rightStickY
}
func (s *recordingSink) ControllerTouch(index int, eventType uint8, pointerID uint32, x, y, pressure float32)  {}
func (s *recordingSink) ControllerMotion(index int, motionType uint8, x, y, z float32)                         {}
func (s *recordingSink) ControllerBattery(index int, state, percentage uint8)                                  {}
func (s *recordingSink) Touch(eventType uint8, pointerID uint32, x, y, pressure float32)                       {}
func (s *recordingSink) Pen(eventType uint8, toolType, buttons uint8, x, y, pressure float32)                  {}

func packet(subtype Subtype, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(subtype))
	copy(out[4:], body)
	return out
}

func TestMouseMoveRelDecodesBigEndianDeltas(t *testing.T) {
	sink := &recordingSink{}
	interp := New(sink, zap.NewNop())

	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:2], uint16(int16(-5)))
	binary.BigEndian.PutUint16(body[2:4], uint16(int16(3)))

	interp.Dispatch(packet(SubtypeMouseMoveRel, body))

	assert.True(t, sink.moveCalled)
	assert.Equal(t, int16(-5), sink.moveRelDX)
	assert.Equal(t, int16(3), sink.moveRelDY)
}

func TestMouseButtonPressReleaseMapping(t *testing.T) {
	sink := &recordingSink{}
	interp := New(sink, zap.NewNop())

	interp.Dispatch(packet(SubtypeMouseButtonPress, []byte{3}))
	assert.True(t, sink.buttonCalled)
	assert.Equal(t, MouseButtonRight, sink.button)
	assert.True(t, sink.buttonPressed)

	interp.Dispatch(packet(SubtypeMouseButtonRelease, []byte{3}))
	assert.False(t, sink.buttonPressed)
}

func TestKeyPressMasksHighBit(t *testing.T) {
	sink := &recordingSink{}
	interp := New(sink, zap.NewNop())

	body := make([]byte, 4)
	binary.LittleEndian.PutUint16(body[1:3], 0x8041)

	interp.Dispatch(packet(SubtypeKeyPress, body))

	assert.True(t, sink.keyCalled)
	assert.Equal(t, uint16(0x0041), sink.keycode)
	assert.True(t, sink.keyPressed)
}

func TestUTF8TextPasted(t *testing.T) {
	sink := &recordingSink{}
	interp := New(sink, zap.NewNop())

	interp.Dispatch(packet(SubtypeUTF8Text, []byte("héllo")))

	assert.Equal(t, "héllo", sink.pasted)
}

func TestControllerArrivalDecodesTypeAndCapabilities(t *testing.T) {
	sink := &recordingSink{}
	interp := New(sink, zap.NewNop())

	body := make([]byte, 8)
	body[0] = 2 // index
	body[1] = 1 // PS
	binary.LittleEndian.PutUint16(body[2:4], CapRumble|CapTouchpad)
	binary.LittleEndian.PutUint32(body[4:8], 0xFF)

	interp.Dispatch(packet(SubtypeControllerArrival, body))

	assert.Equal(t, 2, sink.arrivalIndex)
	assert.Equal(t, ControllerTypePS, sink.arrivalType)
	assert.Equal(t, uint32(CapRumble|CapTouchpad), sink.arrivalCaps)
}

func TestControllerMultiDecodesSticksAndButtons(t *testing.T) {
	sink := &recordingSink{}
	interp := New(sink, zap.NewNop())

	body := make([]byte, 20)
	binary.LittleEndian.PutUint16(body[2:4], 1) // controller number / index
	binary.LittleEndian.PutUint16(body[8:10], 0x00F0) // button flags
	body[10] = 10                               // left trigger
	body[11] = 20                               // right trigger
	binary.LittleEndian.PutUint16(body[12:14], uint16(int16(100)))  // left stick x
	binary.LittleEndian.PutUint16(body[14:16], uint16(int16(200)))  // left stick y
	binary.LittleEndian.PutUint16(body[16:18], uint16(int16(-100))) // right stick x
	binary.LittleEndian.PutUint16(body[18:20], uint16(int16(-200))) // right stick y

	interp.Dispatch(packet(SubtypeControllerMulti, body))

	assert.Equal(t, 1, sink.multiIndex)
	assert.Equal(t, uint32(0x00F0), sink.multiButtons)
	assert.Equal(t, int16(100), sink.multiLX)
	assert.Equal(t, int16(-200), sink.multiLY, "y axis must invert")
	assert.Equal(t, int16(-100), sink.multiRX)
	assert.Equal(t, int16(200), sink.multiRY, "y axis must invert")
}

func TestUnknownSubtypeDroppedWithoutPanic(t *testing.T) {
	sink := &recordingSink{}
	interp := New(sink, zap.NewNop())

	assert.NotPanics(t, func() {
		interp.Dispatch(packet(Subtype(0xDEADBEEF), []byte{1, 2, 3}))
	})
}

func TestShortPayloadDroppedWithoutPanic(t *testing.T) {
	sink := &recordingSink{}
	interp := New(sink, zap.NewNop())

	assert.NotPanics(t, func() {
		interp.Dispatch([]byte{1, 2})
	})
}
