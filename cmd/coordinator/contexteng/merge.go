package contexteng

import (
	"fmt"
	"strconv"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// Merge combines branch values per the strategy. Values arrive paired with
// their branch indices, already sorted ascending.
func Merge(values []any, indices []int, strategy string) (any, error) {
	switch strategy {
	case model.MergeAppend, "":
		out := make([]any, len(values))
		copy(out, values)
		return out, nil

	case model.MergeObject:
		out := map[string]any{}
		for i, v := range values {
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("merge_object: branch %d value is %T, want object", indices[i], v)
			}
			for k, val := range obj {
				out[k] = val
			}
		}
		return out, nil

	case model.MergeKeyedByBranch:
		out := make(map[string]any, len(values))
		for i, v := range values {
			out[strconv.Itoa(indices[i])] = v
		}
		return out, nil

	case model.MergeLastWins:
		if len(values) == 0 {
			return nil, nil
		}
		return values[len(values)-1], nil
	}
	return nil, fmt.Errorf("unknown merge strategy %q", strategy)
}
