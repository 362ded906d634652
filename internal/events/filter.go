package events

import (
	"encoding/json"
	"reflect"
	"strings"
)

const dataFilterPrefix = "data."

// Matches 判断事件是否满足全部过滤条件。支持 source、correlation_id、data.{field}，
// 其他键一律视为不匹配。空过滤条件匹配所有事件。
func Matches(filters map[string]any, ev *Event) bool {
	for key, want := range filters {
		switch {
		case key == "source":
			if !jsonEqual(ev.Source, want) {
				return false
			}
		case key == "correlation_id":
			if !jsonEqual(ev.CorrelationID, want) {
				return false
			}
		case strings.HasPrefix(key, dataFilterPrefix):
			field := strings.TrimPrefix(key, dataFilterPrefix)
			got, ok := ev.Data[field]
			if field == "" || !ok || !jsonEqual(got, want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// jsonEqual 按 JSON 语义比较两个值，例如 int 1 与 float64 1 相等
func jsonEqual(a, b any) bool {
	na, okA := normaliseJSON(a)
	nb, okB := normaliseJSON(b)
	return okA && okB && reflect.DeepEqual(na, nb)
}

func normaliseJSON(v any) (any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}
