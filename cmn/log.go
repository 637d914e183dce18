package cmn

import "github.com/golang/glog"

// Log is the single process-global logging sink. The teacher (AIStore)
// keeps a process-global glog instance rather than threading a logger
// through every type; this module keeps that shape but funnels every
// call through this thin wrapper so tests can be quieter without
// reconfiguring glog's own global flags.
var Log logSink = glogSink{}

type logSink interface {
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	V(level glog.Level) bool
}

type glogSink struct{}

func (glogSink) Infof(format string, args ...interface{})    { glog.Infof(format, args...) }
func (glogSink) Warningf(format string, args ...interface{}) { glog.Warningf(format, args...) }
func (glogSink) Errorf(format string, args ...interface{})   { glog.Errorf(format, args...) }
func (glogSink) Fatalf(format string, args ...interface{})   { glog.Fatalf(format, args...) }
func (glogSink) V(level glog.Level) bool                      { return bool(glog.V(level)) }

// Fatal logs an invariant violation through Fatalf, which exits the
// process. Nothing in this module calls it: core operations return
// KindInvariantViolation to their callers as an ordinary *Error.
func Fatal(op string, err error) {
	Log.Fatalf("invariant violation in %s: %v", op, err)
}
