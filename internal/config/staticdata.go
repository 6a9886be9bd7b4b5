package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LoadAreaEffectVehicleTypes reads the area-effect platform type ID list
// from the data file (spec §9 Open Question: treated as data, not a code
// constant, since new platforms ship after every release).
// A missing file is not an error: the detector simply treats no vehicle
// type as area-effect until the file is populated.
func LoadAreaEffectVehicleTypes(path string) (map[int64]struct{}, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[int64]struct{}{}, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []int64
	if err := yaml.Unmarshal(data, &ids); err != nil {
		return nil, err
	}

	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// RegionMapPath returns the path to the location->region static map.
func (p Process) RegionMapPath() string {
	return filepath.Join(p.DataDir, "region_map.json")
}

// LoadRegionMap reads the static location_id -> region_id map used by
// location_scope matching (spec §4.4, §4.6). This mapping comes from the
// game's static universe data, not from observed events, so it is loaded
// once at startup as a flat JSON object rather than derived at runtime.
// A missing file yields an empty map: location_scope matching and
// region-scoped backfill simply have nothing to match against until the
// operator supplies one.
func LoadRegionMap(path string) (map[int64]int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[int64]int64{}, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make(map[int64]int64, len(raw))
	for k, v := range raw {
		locationID, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[locationID] = v
	}
	return out, nil
}
