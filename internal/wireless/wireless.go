// Package wireless reports a coarse wireless link quality read from the
// kernel's /proc/net/wireless table.
package wireless

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/delta/internal/proto"
)

var log = logging.Logger("delta/wireless")

const (
	InfoPath        = "/proc/net/wireless"
	RefreshInterval = time.Second
)

var ErrNoInterface = errors.New("no wireless interface found")

// ParseLevel returns the signal level in dBm of the first wlan interface.
func ParseLevel(r io.Reader) (float64, error) {
	sc := bufio.NewScanner(r)
	for n := 0; sc.Scan(); n++ {
		if n < 2 {
			// Header.
			continue
		}
		line := strings.TrimSpace(sc.Text())
		iface, info, ok := strings.Cut(line, ":")
		if !ok || !strings.HasPrefix(iface, "wlan") {
			continue
		}
		fields := strings.Fields(info)
		if len(fields) < 3 {
			return 0, fmt.Errorf("%s: no level field", iface)
		}
		level, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", iface, err)
		}
		return level, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNoInterface
}

// Quality buckets a signal level.
func Quality(level float64) proto.SignalQuality {
	switch {
	case level >= -50:
		return proto.SignalExcellent
	case level >= -67:
		return proto.SignalGood
	case level >= -70:
		return proto.SignalOk
	case level >= -80:
		return proto.SignalWeak
	}
	return proto.SignalNone
}

// Monitor polls the table and reports quality changes.
type Monitor struct {
	Path     string
	Interval time.Duration
	// OnChange is called from Run with every new quality, starting with the
	// first reading.
	OnChange func(context.Context, proto.SignalQuality)
}

func (m *Monitor) read() proto.SignalQuality {
	f, err := os.Open(m.Path)
	if err != nil {
		log.Debugw("signal quality unavailable", "err", err)
		return proto.SignalNone
	}
	defer f.Close()
	level, err := ParseLevel(f)
	if err != nil {
		log.Debugw("signal quality unavailable", "err", err)
		return proto.SignalNone
	}
	return Quality(level)
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.Path == "" {
		m.Path = InfoPath
	}
	if m.Interval <= 0 {
		m.Interval = RefreshInterval
	}
	t := time.NewTicker(m.Interval)
	defer t.Stop()

	last := proto.SignalQuality(-1)
	for {
		if q := m.read(); q != last {
			last = q
			log.Debugw("signal quality changed", "quality", q)
			if m.OnChange != nil {
				m.OnChange(ctx, q)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
