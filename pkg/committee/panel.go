package committee

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
)

// PanelSize is how many providers review each case.
const PanelSize = 3

// PanelSeed derives the selection seed from the case and attempt so a
// replayed case draws the same panel and a retry draws a fresh one. The
// seed lands in the event log next to the chosen names.
func PanelSeed(caseID string, attempt int) uint64 {
	sum := sha256.Sum256([]byte(caseID + "\x00" + strconv.Itoa(attempt)))
	return binary.BigEndian.Uint64(sum[:8])
}

// SelectPanel picks size providers from the pool, no two from the same
// vendor family. Selection is a pure function of the pool and the seed.
func SelectPanel(pool []Provider, seed uint64, size int) ([]Provider, error) {
	byFamily := make(map[string][]Provider)
	for _, p := range pool {
		byFamily[p.Family()] = append(byFamily[p.Family()], p)
	}
	if len(byFamily) < size {
		return nil, fmt.Errorf("committee: pool has %d vendor families, need %d", len(byFamily), size)
	}

	families := make([]string, 0, len(byFamily))
	for f := range byFamily {
		families = append(families, f)
	}
	sort.Strings(families)
	for _, f := range families {
		members := byFamily[f]
		sort.Slice(members, func(i, j int) bool { return members[i].Name() < members[j].Name() })
	}

	rng := rand.New(rand.NewSource(int64(seed)))
	rng.Shuffle(len(families), func(i, j int) {
		families[i], families[j] = families[j], families[i]
	})

	panel := make([]Provider, 0, size)
	for _, f := range families[:size] {
		members := byFamily[f]
		panel = append(panel, members[rng.Intn(len(members))])
	}
	return panel, nil
}

// PanelNames lists provider names in panel order for the event log.
func PanelNames(panel []Provider) []string {
	names := make([]string, len(panel))
	for i, p := range panel {
		names[i] = p.Name()
	}
	return names
}
