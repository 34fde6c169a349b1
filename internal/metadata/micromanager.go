package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MicroManagerParser reads Micro-Manager metadata.txt files: a "Summary"
// object followed by one "FrameKey-t-c-z" (1.4) or "Metadata-..." (2.0)
// object per plane.
type MicroManagerParser struct{}

// Name implements Parser.
func (MicroManagerParser) Name() string { return "micromanager" }

// CanParse implements Parser.
func (MicroManagerParser) CanParse(raw []byte) bool {
	return looksLikeObject(raw) && bytes.Contains(raw, []byte(`"Summary"`))
}

// Parse implements Parser.
func (MicroManagerParser) Parse(raw []byte) (*Acquisition, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	summaryRaw, ok := obj["Summary"]
	if !ok {
		return nil, fmt.Errorf("missing Summary")
	}

	var summary map[string]any
	if err := json.Unmarshal(summaryRaw, &summary); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	acq := &Acquisition{Summary: parseSummary(summary)}

	byName := make(map[string]*Position)
	var order []string
	for key, value := range obj {
		if !strings.HasPrefix(key, "FrameKey-") && !strings.HasPrefix(key, "Metadata-") {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(value, &fields); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		plane, err := parsePlane(key, fields)
		if err != nil {
			return nil, err
		}
		name, index := positionOf(fields)
		pos, ok := byName[name]
		if !ok {
			pos = &Position{Name: name, Index: index}
			byName[name] = pos
			order = append(order, name)
		}
		pos.Planes = append(pos.Planes, plane)
	}

	for _, name := range order {
		pos := byName[name]
		sort.Slice(pos.Planes, func(i, j int) bool {
			a, b := pos.Planes[i], pos.Planes[j]
			if a.T != b.T {
				return a.T < b.T
			}
			if a.C != b.C {
				return a.C < b.C
			}
			return a.Z < b.Z
		})
		acq.Positions = append(acq.Positions, *pos)
	}
	sort.SliceStable(acq.Positions, func(i, j int) bool {
		return acq.Positions[i].Index < acq.Positions[j].Index
	})
	return acq, nil
}

func parseSummary(m map[string]any) Summary {
	s := Summary{
		Prefix:    str(m, "Prefix"),
		Version:   str(m, "MicroManagerVersion"),
		StartTime: str(m, "StartTime"),
		PixelType: str(m, "PixelType"),
		Width:     int(num(m, "Width")),
		Height:    int(num(m, "Height")),
		Frames:    int(num(m, "Frames")),
		Channels:  int(num(m, "Channels")),
		Slices:    int(num(m, "Slices")),
		Positions: int(num(m, "Positions")),
	}
	if names, ok := m["ChNames"].([]any); ok {
		for _, n := range names {
			s.ChannelNames = append(s.ChannelNames, fmt.Sprint(n))
		}
	}
	return s
}

func parsePlane(key string, m map[string]any) (Plane, error) {
	p := Plane{
		T:         int(num(m, "Frame", "FrameIndex")),
		C:         int(num(m, "ChannelIndex")),
		Z:         int(num(m, "SliceIndex")),
		Channel:   str(m, "Channel"),
		ElapsedMs: num(m, "ElapsedTime-ms"),
		Time:      str(m, "Time", "ReceivedTime"),
		StageX:    num(m, "XPositionUm"),
		StageY:    num(m, "YPositionUm"),
		StageZ:    num(m, "ZPositionUm"),
	}

	// 1.4 keys carry the indices themselves: FrameKey-t-c-z.
	if rest, ok := strings.CutPrefix(key, "FrameKey-"); ok {
		parts := strings.Split(rest, "-")
		if len(parts) != 3 {
			return Plane{}, fmt.Errorf("malformed frame key %q", key)
		}
		idx := make([]int, 3)
		for i, part := range parts {
			v, err := strconv.Atoi(part)
			if err != nil {
				return Plane{}, fmt.Errorf("malformed frame key %q", key)
			}
			idx[i] = v
		}
		p.T, p.C, p.Z = idx[0], idx[1], idx[2]
	}
	return p, nil
}

func positionOf(m map[string]any) (string, int) {
	index := int(num(m, "PositionIndex"))
	name := str(m, "PositionName")
	if name == "" {
		name = "Pos" + strconv.Itoa(index)
	}
	return name, index
}

// str returns the first of keys holding a non-empty value, as a string.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case nil:
		case string:
			if v != "" {
				return v
			}
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// num returns the first of keys holding a number. Micro-Manager 1.4 writes
// many numbers as strings, so those are parsed too.
func num(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	return 0
}
