package input

import "go.uber.org/zap"

// LogSink is the default Sink: it logs every decoded input event at
// debug level. Actually injecting input into a running application
// (uinput device writes, a compositor's input-injection protocol) is
// a kernel/platform boundary with no Go-ecosystem library anywhere in
// the example pack, so it is left to the external Runner process this
// event stream would be forwarded to, mirroring DeviceSink's own
// bookkeeping-only scope (spec.md §1 Non-goals).
type LogSink struct {
	log *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.With(zap.String("component", "input.sink"))}
}

func (s *LogSink) MouseMoveRel(dx, dy int16) {
	s.log.Debug("mouse move rel", zap.Int16("dx", dx), zap.Int16("dy", dy))
}

func (s *LogSink) MouseMoveAbs(x, y, width, height uint16) {
	s.log.Debug("mouse move abs", zap.Uint16("x", x), zap.Uint16("y", y))
}

func (s *LogSink) MouseButton(button MouseButton, pressed bool) {
	s.log.Debug("mouse button", zap.Int("button", int(button)), zap.Bool("pressed", pressed))
}

func (s *LogSink) MouseScroll(amount int16) {
	s.log.Debug("mouse scroll", zap.Int16("amount", amount))
}

func (s *LogSink) MouseHScroll(amount int16) {
	s.log.Debug("mouse hscroll", zap.Int16("amount", amount))
}

func (s *LogSink) KeyEvent(keycode uint16, pressed bool) {
	s.log.Debug("key event", zap.Uint16("keycode", keycode), zap.Bool("pressed", pressed))
}

func (s *LogSink) PasteUTF(text string) {
	s.log.Debug("paste utf8", zap.Int("len", len(text)))
}

func (s *LogSink) ControllerArrival(index int, kind ControllerType, capabilities uint32, supportedButtons uint32) {
	s.log.Debug("controller arrival", zap.Int("index", index), zap.Int("kind", int(kind)))
}

func (s *LogSink) ControllerMulti(index int, buttonFlags uint32, leftStickX, leftStickY, rightStickX, rightStickY int16, leftTrigger, rightTrigger uint8) {
	s.log.Debug("controller multi", zap.Int("index", index), zap.Uint32("buttons", buttonFlags))
}

func (s *LogSink) ControllerTouch(index int, eventType uint8, pointerID uint32, x, y, pressure float32) {
	s.log.Debug("controller touch", zap.Int("index", index))
}

func (s *LogSink) ControllerMotion(index int, motionType uint8, x, y, z float32) {
	s.log.Debug("controller motion", zap.Int("index", index))
}

func (s *LogSink) ControllerBattery(index int, state, percentage uint8) {
	s.log.Debug("controller battery", zap.Int("index", index), zap.Uint8("percentage", percentage))
}

func (s *LogSink) Touch(eventType uint8, pointerID uint32, x, y, pressure float32) {
	s.log.Debug("touch", zap.Uint32("pointer_id", pointerID))
}

func (s *LogSink) Pen(eventType uint8, toolType, buttons uint8, x, y, pressure float32) {
	s.log.Debug("pen", zap.Uint8("tool_type", toolType))
}
