//go:build property
// +build property

package contracts

import (
	"fmt"
	"math/rand"
	"regexp"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var hexFingerprint = regexp.MustCompile(`^[0-9a-f]{64}$`)

// genLines builds 1..6 lines with deliberately colliding item ids so the
// sort tie-break is exercised. Quantities come from a small integer grid,
// keeping float comparisons exact.
func genLines(ids []int, qtys []int) []FingerprintLine {
	n := len(ids)
	if len(qtys) < n {
		n = len(qtys)
	}
	if n == 0 {
		return []FingerprintLine{{ItemID: "item_0", Quantity: 1}}
	}
	lines := make([]FingerprintLine, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, FingerprintLine{
			ItemID:   fmt.Sprintf("item_%d", ((ids[i]%4)+4)%4),
			Quantity: float64(((qtys[i]%20)+20)%20 + 1),
		})
	}
	return lines
}

func shuffledCopy(lines []FingerprintLine, seed int64) []FingerprintLine {
	out := make([]FingerprintLine, len(lines))
	copy(out, lines)
	rand.New(rand.NewSource(seed)).Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

func TestFingerprintLineOrderInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	at := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	fileHash := "9c56cc51b374c3ba189210d5b6d4bf57790d351c96c47c02190ecf1e430635ab"

	properties.Property("any permutation of lines fingerprints the same", prop.ForAll(
		func(ids []int, qtys []int, seed int64) bool {
			lines := genLines(ids, qtys)
			a, err1 := ComputeFingerprint(fileHash, "cust_1", lines, at)
			b, err2 := ComputeFingerprint(fileHash, "cust_1", shuffledCopy(lines, seed), at)
			if err1 != nil || err2 != nil {
				return false
			}
			return a == b
		},
		gen.SliceOfN(6, gen.IntRange(0, 100)),
		gen.SliceOfN(6, gen.IntRange(0, 100)),
		gen.Int64(),
	))

	properties.Property("fingerprint is lowercase hex of fixed width", prop.ForAll(
		func(ids []int, qtys []int) bool {
			fp, err := ComputeFingerprint(fileHash, "cust_1", genLines(ids, qtys), at)
			return err == nil && hexFingerprint.MatchString(fp)
		},
		gen.SliceOfN(4, gen.IntRange(0, 100)),
		gen.SliceOfN(4, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

func TestFingerprintSeparatesCustomers(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	at := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	fileHash := "9c56cc51b374c3ba189210d5b6d4bf57790d351c96c47c02190ecf1e430635ab"
	lines := []FingerprintLine{{ItemID: "item_1", Quantity: 2}}

	properties.Property("distinct customers never share a fingerprint", prop.ForAll(
		func(a, b int) bool {
			custA := fmt.Sprintf("cust_%d", a)
			custB := fmt.Sprintf("cust_%d", b)
			fpA, err1 := ComputeFingerprint(fileHash, custA, lines, at)
			fpB, err2 := ComputeFingerprint(fileHash, custB, lines, at)
			if err1 != nil || err2 != nil {
				return false
			}
			if custA == custB {
				return fpA == fpB
			}
			return fpA != fpB
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func TestFingerprintDayBucketing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	fileHash := "9c56cc51b374c3ba189210d5b6d4bf57790d351c96c47c02190ecf1e430635ab"
	lines := []FingerprintLine{{ItemID: "item_1", Quantity: 2}}
	day := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("any two instants of one UTC day fingerprint the same", prop.ForAll(
		func(secA, secB int) bool {
			atA := day.Add(time.Duration(secA) * time.Second)
			atB := day.Add(time.Duration(secB) * time.Second)
			fpA, err1 := ComputeFingerprint(fileHash, "cust_1", lines, atA)
			fpB, err2 := ComputeFingerprint(fileHash, "cust_1", lines, atB)
			if err1 != nil || err2 != nil {
				return false
			}
			return fpA == fpB
		},
		gen.IntRange(0, 86399),
		gen.IntRange(0, 86399),
	))

	properties.Property("consecutive days never fingerprint the same", prop.ForAll(
		func(sec int, daysAhead int) bool {
			atA := day.Add(time.Duration(sec) * time.Second)
			atB := atA.AddDate(0, 0, daysAhead+1)
			fpA, err1 := ComputeFingerprint(fileHash, "cust_1", lines, atA)
			fpB, err2 := ComputeFingerprint(fileHash, "cust_1", lines, atB)
			if err1 != nil || err2 != nil {
				return false
			}
			return fpA != fpB
		},
		gen.IntRange(0, 86399),
		gen.IntRange(0, 365),
	))

	properties.TestingRun(t)
}
