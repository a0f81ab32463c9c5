package attenuator

// Device defines the interface for attenuators (real or simulated).
type Device interface {
	Connect() bool
	Disconnect() error
	Send(command string) (Response, error)
	SetRawAttenuation(value float64) bool
	ReadRawAttenuation() (float64, bool)
	LastRawAttenuation() float64
	IsConnected() bool
	Port() string
}

// Ensure Channel implements Device.
var _ Device = (*Channel)(nil)

// Ensure serial ports and Mock satisfy Port.
var (
	_ Port = (serialPort)(nil)
	_ Port = (*Mock)(nil)
)
