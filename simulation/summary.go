package simulation

import (
	"sort"

	"github.com/fatih/structs"

	"github.com/sarchlab/ftl/datarecording"
	"github.com/sarchlab/ftl/flash/nand"
	"github.com/sarchlab/ftl/ftl"
)

const summaryTable = "summary"

type summaryEntry struct {
	Component string
	Metric    string
	Value     float64
}

// flatten turns the numeric fields of a struct, nested structs included,
// into dotted metric names.
func flatten(v any) map[string]float64 {
	out := make(map[string]float64)
	flattenInto(out, "", structs.Map(v))

	return out
}

func flattenInto(out map[string]float64, prefix string, m map[string]any) {
	for k, v := range m {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}

		switch x := v.(type) {
		case map[string]any:
			flattenInto(out, name, x)
		case int:
			out[name] = float64(x)
		case uint64:
			out[name] = float64(x)
		case float64:
			out[name] = x
		}
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func recordSummary(
	r datarecording.DataRecorder,
	ftlStats ftl.Stats,
	deviceStats nand.Stats,
) {
	for _, part := range []struct {
		component string
		stats     any
	}{
		{"FTL", ftlStats},
		{"NAND", deviceStats},
	} {
		values := flatten(part.stats)
		for _, k := range sortedKeys(values) {
			r.InsertData(summaryTable, summaryEntry{
				Component: part.component,
				Metric:    k,
				Value:     values[k],
			})
		}
	}
}
