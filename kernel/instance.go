package kernel

import (
	"fmt"

	"github.com/guseggert/databench/bus"
	"github.com/guseggert/databench/datastore"
	"go.uber.org/zap"
)

// Instance is the state a handler sees: one analysis instance of a kind.
type Instance struct {
	ID   string
	Kind *Kind
	// Data is private to the instance.
	Data *datastore.Datastore
	// ClassData is shared by every instance of the kind in this process.
	ClassData *datastore.Datastore
	Log       *zap.SugaredLogger

	emit func(bus.Frame) error
}

// Emit sends a frame upstream to the browser session of this instance.
// It returns ErrClosed once the instance has disconnected.
func (i *Instance) Emit(signal string, load any) error {
	f, err := bus.NewFrame(signal, load)
	if err != nil {
		return err
	}
	return i.emit(f)
}

// Logf emits a "log" frame with a formatted message.
func (i *Instance) Logf(format string, args ...any) error {
	return i.Emit(bus.SignalLog, fmt.Sprintf(format, args...))
}
