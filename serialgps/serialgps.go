// Package serialgps produces geo.Fix values from an NMEA 0183 GPS
// receiver attached over a serial port. It adapts the teacher's
// internal/serialmux port-options and line-monitoring idiom — the
// same go.bug.st/serial dependency, the same bufio.Scanner-plus-
// lineChan bridge — to parsing GPS sentences instead of broadcasting
// raw lines to debug subscribers.
package serialgps

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/lapviz/laptimer/geo"
)

// PortOptions describes the serial connection parameters for a GPS
// receiver, mirroring internal/serialmux.PortOptions's
// Normalize/SerialMode shape with GPS-appropriate defaults.
type PortOptions struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// Normalize validates the options and fills in defaults for any unset
// fields. Most NMEA GPS modules default to 4800 or 9600 baud, 8N1.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 4800
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("serialgps: invalid data bits %d", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	parity := strings.ToUpper(strings.TrimSpace(opts.Parity))
	if parity == "" {
		parity = "N"
	}
	switch parity {
	case "N", "E", "O":
	default:
		return opts, fmt.Errorf("serialgps: unsupported parity %q", opts.Parity)
	}
	opts.Parity = parity
	return opts, nil
}

// SerialMode converts PortOptions into the serial.Mode go.bug.st/serial
// expects.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.StopBits(opts.StopBits),
	}
	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("serialgps: unsupported parity %q", opts.Parity)
	}
	return mode, nil
}

// Port is the minimal serial-port interface this package depends on,
// matching internal/serialmux.SerialPorter.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Producer reads NMEA sentences from a Port and emits parsed geo.Fix
// values on Fixes(). Parse errors and malformed sentences are dropped
// silently, matching how a GPS receiver's occasional corrupted sentence
// is expected and not treated as fatal.
type Producer struct {
	port  Port
	fixes chan geo.Fix
	errs  chan error
}

// Open opens path at the given options and returns a ready Producer.
func Open(path string, opts PortOptions) (*Producer, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialgps: open %s: %w", path, err)
	}
	return NewProducer(port), nil
}

// NewProducer wraps an already-open Port, useful for tests with a fake
// port.
func NewProducer(port Port) *Producer {
	return &Producer{
		port:  port,
		fixes: make(chan geo.Fix),
		errs:  make(chan error, 1),
	}
}

// Fixes returns the channel of parsed GPS fixes.
func (p *Producer) Fixes() <-chan geo.Fix { return p.fixes }

// Errs returns an error channel of capacity one. Run does not send on
// it: malformed sentences are dropped, and a read error ends Run, which
// returns that error.
func (p *Producer) Errs() <-chan error { return p.errs }

// Run reads lines from the port until ctx is cancelled or the port
// closes, parsing each NMEA sentence and publishing successfully parsed
// fixes to Fixes(). It mirrors serialmux.Monitor's goroutine-plus-
// channel bridge so blocking reads never stall context cancellation.
func (p *Producer) Run(ctx context.Context) error {
	scan := bufio.NewScanner(p.port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return err
		case line, ok := <-lineChan:
			if !ok {
				return scan.Err()
			}
			fix, ok := ParseSentence(line)
			if !ok {
				continue
			}
			select {
			case p.fixes <- fix:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close closes the underlying port.
func (p *Producer) Close() error {
	return p.port.Close()
}

// ParseSentence parses one NMEA 0183 sentence, recognizing $GPGGA/$GNGGA
// (position + altitude fix) and $GPRMC/$GNRMC (position + ground speed).
// It returns ok=false for any other sentence type, a checksum mismatch,
// or a field it cannot parse.
func ParseSentence(line string) (geo.Fix, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return geo.Fix{}, false
	}
	if !checksumValid(line) {
		return geo.Fix{}, false
	}

	body := line[1:]
	if idx := strings.IndexByte(body, '*'); idx >= 0 {
		body = body[:idx]
	}
	fields := strings.Split(body, ",")
	if len(fields) == 0 {
		return geo.Fix{}, false
	}

	switch {
	case strings.HasSuffix(fields[0], "GGA"):
		return parseGGA(fields)
	case strings.HasSuffix(fields[0], "RMC"):
		return parseRMC(fields)
	default:
		return geo.Fix{}, false
	}
}

func checksumValid(sentence string) bool {
	star := strings.IndexByte(sentence, '*')
	if star < 0 || star+3 > len(sentence) {
		return false
	}
	want, err := strconv.ParseUint(sentence[star+1:star+3], 16, 8)
	if err != nil {
		return false
	}
	got := byte(0)
	for i := 1; i < star; i++ {
		got ^= sentence[i]
	}
	return got == byte(want)
}

// parseGGA parses a GGA sentence's fields (post "$..GGA,"):
// time,lat,N/S,lon,E/W,quality,numSat,hdop,alt,M,geoidSep,M,age,stationID
func parseGGA(fields []string) (geo.Fix, bool) {
	if len(fields) < 10 {
		return geo.Fix{}, false
	}
	lat, ok := parseLatLon(fields[2], fields[3])
	if !ok {
		return geo.Fix{}, false
	}
	lon, ok := parseLatLon(fields[4], fields[5])
	if !ok {
		return geo.Fix{}, false
	}
	if fields[6] == "0" || fields[6] == "" {
		return geo.Fix{}, false
	}
	alt, err := strconv.ParseFloat(fields[9], 64)
	if err != nil {
		alt = 0
	}
	ts, ok := parseTimeOfDay(fields[1])
	if !ok {
		ts = time.Now().UTC()
	}
	return geo.Fix{
		Point:     geo.NewGeoPoint(lat, lon, alt),
		Timestamp: ts,
	}, true
}

// parseRMC parses an RMC sentence's fields (post "$..RMC,"):
// time,status,lat,N/S,lon,E/W,speedKnots,course,date,magVar,magVarDir
func parseRMC(fields []string) (geo.Fix, bool) {
	if len(fields) < 10 {
		return geo.Fix{}, false
	}
	if fields[2] != "A" {
		return geo.Fix{}, false
	}
	lat, ok := parseLatLon(fields[3], fields[4])
	if !ok {
		return geo.Fix{}, false
	}
	lon, ok := parseLatLon(fields[5], fields[6])
	if !ok {
		return geo.Fix{}, false
	}
	ts, ok := parseDateTime(fields[9], fields[1])
	if !ok {
		ts = time.Now().UTC()
	}

	fix := geo.Fix{Point: geo.NewGeoPoint(lat, lon, 0), Timestamp: ts}
	if knots, err := strconv.ParseFloat(fields[7], 64); err == nil {
		speed := knots * 0.514444
		fix.Speed = &speed
	}
	return fix, true
}

// parseLatLon converts an NMEA ddmm.mmmm/dddmm.mmmm coordinate plus its
// hemisphere letter into signed decimal degrees.
func parseLatLon(raw, hemisphere string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	dot := strings.IndexByte(raw, '.')
	if dot < 2 {
		return 0, false
	}
	degDigits := dot - 2
	deg, err := strconv.ParseFloat(raw[:degDigits], 64)
	if err != nil {
		return 0, false
	}
	min, err := strconv.ParseFloat(raw[degDigits:], 64)
	if err != nil {
		return 0, false
	}
	value := deg + min/60
	if hemisphere == "S" || hemisphere == "W" {
		value = -value
	}
	return value, true
}

// parseTimeOfDay parses an NMEA hhmmss[.sss] field against today's UTC date.
func parseTimeOfDay(raw string) (time.Time, bool) {
	if len(raw) < 6 {
		return time.Time{}, false
	}
	h, err1 := strconv.Atoi(raw[0:2])
	m, err2 := strconv.Atoi(raw[2:4])
	sec, err3 := strconv.ParseFloat(raw[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	now := time.Now().UTC()
	whole := int(sec)
	nanos := int((sec - float64(whole)) * 1e9)
	return time.Date(now.Year(), now.Month(), now.Day(), h, m, whole, nanos, time.UTC), true
}

// parseDateTime parses an NMEA ddmmyy date field plus an hhmmss[.sss]
// time field into a UTC timestamp.
func parseDateTime(dateRaw, timeRaw string) (time.Time, bool) {
	if len(dateRaw) != 6 || len(timeRaw) < 6 {
		return time.Time{}, false
	}
	day, err1 := strconv.Atoi(dateRaw[0:2])
	month, err2 := strconv.Atoi(dateRaw[2:4])
	year, err3 := strconv.Atoi(dateRaw[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	h, err4 := strconv.Atoi(timeRaw[0:2])
	m, err5 := strconv.Atoi(timeRaw[2:4])
	sec, err6 := strconv.ParseFloat(timeRaw[4:], 64)
	if err4 != nil || err5 != nil || err6 != nil {
		return time.Time{}, false
	}
	whole := int(sec)
	nanos := int((sec - float64(whole)) * 1e9)
	return time.Date(2000+year, time.Month(month), day, h, m, whole, nanos, time.UTC), true
}
