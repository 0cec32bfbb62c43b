package mutex

import "github.com/hashicorp/go-hclog"

// CallbackFunc observes one protocol outcome. It receives the userdata it
// was registered with. The returned error is logged and otherwise ignored;
// it never feeds back into the protocol.
type CallbackFunc func(userdata any) error

type callback struct {
	userdata any
	fn       CallbackFunc
}

// dispatcher holds the three callback lists. Registration is append-only
// and there is no removal; invocation follows registration order,
// synchronously, on whatever protocol step caused the event.
type dispatcher struct {
	granted  []callback
	denied   []callback
	released []callback
	logger   hclog.Logger
}

func (d *dispatcher) addGranted(userdata any, fn CallbackFunc) {
	d.granted = append(d.granted, callback{userdata: userdata, fn: fn})
}

func (d *dispatcher) addDenied(userdata any, fn CallbackFunc) {
	d.denied = append(d.denied, callback{userdata: userdata, fn: fn})
}

func (d *dispatcher) addReleased(userdata any, fn CallbackFunc) {
	d.released = append(d.released, callback{userdata: userdata, fn: fn})
}

func (d *dispatcher) triggerGranted() { d.trigger("granted", d.granted) }

func (d *dispatcher) triggerDenied() { d.trigger("denied", d.denied) }

func (d *dispatcher) triggerReleased() { d.trigger("released", d.released) }

func (d *dispatcher) trigger(event string, cbs []callback) {
	for _, cb := range cbs {
		if err := cb.fn(cb.userdata); err != nil {
			d.logger.Debug("callback returned error", "event", event, "error", err)
		}
	}
}
