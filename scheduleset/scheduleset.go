// Package scheduleset loads pre-compiled schedules and a node's bring-up
// config from a YAML document, the way the teacher's deviceid.go loads
// tocalls.yaml: read once at startup, validated eagerly, never generated
// at runtime (spec.md Non-goal: no OTA schedule negotiation).
package scheduleset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/blinknet/blink/schedule"
)

// cellDoc is the YAML shape of one schedule.Cell.
type cellDoc struct {
	Type          string `yaml:"type"`
	ChannelOffset uint8  `yaml:"channel_offset"`
}

// scheduleDoc is the YAML shape of one schedule.Schedule.
type scheduleDoc struct {
	ID          uint8     `yaml:"id"`
	Name        string    `yaml:"name"`
	BackoffNMin uint8     `yaml:"backoff_n_min"`
	BackoffNMax uint8     `yaml:"backoff_n_max"`
	Cells       []cellDoc `yaml:"cells"`
}

// BringUp is a node's bring-up config: which device identity to present
// and which pre-compiled schedule to start on before it has scanned and
// synced to anything.
type BringUp struct {
	DeviceID          uint64
	InitialScheduleID uint8
}

type bringUpDoc struct {
	DeviceID          uint64 `yaml:"device_id"`
	InitialScheduleID uint8  `yaml:"initial_schedule_id"`
}

type document struct {
	Schedules []scheduleDoc `yaml:"schedules"`
	Node      bringUpDoc    `yaml:"node"`
}

func parseCellType(s string) (schedule.CellType, error) {
	switch s {
	case "beacon":
		return schedule.Beacon, nil
	case "shared_uplink":
		return schedule.SharedUplink, nil
	case "downlink":
		return schedule.Downlink, nil
	case "uplink":
		return schedule.Uplink, nil
	default:
		return 0, fmt.Errorf("scheduleset: unknown cell type %q", s)
	}
}

// Load reads and parses the YAML document at path, returning the
// decoded schedules and bring-up config. Every schedule is run through
// schedule.Validate before being returned; the first violation is
// wrapped with the offending schedule's name and returned as an error,
// never a panic — mirroring the teacher's errors-based reporting of
// malformed config rather than os.Exit or log.Fatal inside a library
// function.
func Load(path string) ([]*schedule.Schedule, BringUp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, BringUp{}, fmt.Errorf("scheduleset: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document already read into memory. Load is a
// thin os.ReadFile wrapper around this for callers that already have
// the bytes (e.g. embedded configs).
func Parse(data []byte) ([]*schedule.Schedule, BringUp, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, BringUp{}, fmt.Errorf("scheduleset: parsing yaml: %w", err)
	}

	if len(doc.Schedules) == 0 {
		return nil, BringUp{}, fmt.Errorf("scheduleset: no schedules defined")
	}

	schedules := make([]*schedule.Schedule, 0, len(doc.Schedules))
	seen := map[uint8]bool{}
	for _, sd := range doc.Schedules {
		if seen[sd.ID] {
			return nil, BringUp{}, fmt.Errorf("scheduleset: schedule id %d defined more than once", sd.ID)
		}
		seen[sd.ID] = true

		cells := make([]schedule.Cell, 0, len(sd.Cells))
		for i, cd := range sd.Cells {
			ct, err := parseCellType(cd.Type)
			if err != nil {
				return nil, BringUp{}, fmt.Errorf("scheduleset: schedule %q cell %d: %w", sd.Name, i, err)
			}
			cells = append(cells, schedule.Cell{Type: ct, ChannelOffset: cd.ChannelOffset})
		}

		s := &schedule.Schedule{
			ID:          sd.ID,
			Name:        sd.Name,
			BackoffNMin: sd.BackoffNMin,
			BackoffNMax: sd.BackoffNMax,
			Cells:       cells,
		}
		if err := s.Validate(); err != nil {
			return nil, BringUp{}, fmt.Errorf("scheduleset: schedule %q (id %d): %w", sd.Name, sd.ID, err)
		}
		schedules = append(schedules, s)
	}

	bringUp := BringUp{DeviceID: doc.Node.DeviceID, InitialScheduleID: doc.Node.InitialScheduleID}
	if bringUp.DeviceID != 0 {
		found := false
		for _, s := range schedules {
			if s.ID == bringUp.InitialScheduleID {
				found = true
				break
			}
		}
		if !found {
			return nil, BringUp{}, fmt.Errorf("scheduleset: node.initial_schedule_id %d matches no loaded schedule", bringUp.InitialScheduleID)
		}
	}

	return schedules, bringUp, nil
}
