package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the instrument-hub metrics. A nil *Collectors is valid
// and records nothing.
type Collectors struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	status          *prometheus.GaugeVec
	position        *prometheus.GaugeVec
	freerunCycles   *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	eventsDropped   prometheus.Counter
	settingsWrites  *prometheus.CounterVec
}

// New creates the collectors. Register them with Register.
func New() *Collectors {
	return &Collectors{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instrument_hub_commands_total",
			Help: "Device commands executed, by result (ok, error, rejected, dropped)",
		}, []string{"device", "command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "instrument_hub_command_duration_seconds",
			Help:    "Wall time spent executing a device command",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"device", "command"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instrument_hub_device_status",
			Help: "Current device status (1 for the active status label)",
		}, []string{"device", "status"}),
		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instrument_hub_device_position",
			Help: "Last published device position in physical units",
		}, []string{"device", "units"}),
		freerunCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instrument_hub_freerun_iterations_total",
			Help: "Continuous-acquisition iterations completed",
		}, []string{"device"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instrument_hub_queue_depth",
			Help: "Commands waiting in a device mailbox",
		}, []string{"device"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instrument_hub_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		}),
		settingsWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instrument_hub_settings_writes_total",
			Help: "Settings store writes, by result",
		}, []string{"result"}),
	}
}

// Collectors returns every collector for registration.
func (c *Collectors) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.commands,
		c.commandDuration,
		c.status,
		c.position,
		c.freerunCycles,
		c.queueDepth,
		c.eventsDropped,
		c.settingsWrites,
	}
}

// Register adds all collectors to reg.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, col := range c.Collectors() {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collectors) CommandDone(device, command string, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.commands.WithLabelValues(device, command, result).Inc()
	c.commandDuration.WithLabelValues(device, command).Observe(d.Seconds())
}

func (c *Collectors) CommandRejected(device, command string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(device, command, "rejected").Inc()
}

func (c *Collectors) CommandDropped(device, command string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(device, command, "dropped").Inc()
}

// Status marks status active for device and clears the others.
func (c *Collectors) Status(device, status string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		c.status.WithLabelValues(device, s).Set(v)
	}
}

func (c *Collectors) Position(device, units string, v float64) {
	if c == nil {
		return
	}
	c.position.WithLabelValues(device, units).Set(v)
}

func (c *Collectors) FreerunIteration(device string) {
	if c == nil {
		return
	}
	c.freerunCycles.WithLabelValues(device).Inc()
}

func (c *Collectors) QueueDepth(device string, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(device).Set(float64(n))
}

func (c *Collectors) EventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}

func (c *Collectors) SettingsWrite(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.settingsWrites.WithLabelValues("error").Inc()
		return
	}
	c.settingsWrites.WithLabelValues("ok").Inc()
}
