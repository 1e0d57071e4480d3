package synclog

import (
	"bytes"
	"strings"
)

// validateOp checks the shape of a single candidate operation. A non-nil
// return is the inline rejection body; it never aborts sibling ops.
func validateOp(op Op) *ErrorBody {
	if strings.TrimSpace(op.OpID) == "" {
		return &ErrorBody{Code: "missing_op_id", Message: "opId is required"}
	}
	if strings.TrimSpace(op.EntityType) == "" {
		return &ErrorBody{Code: "missing_entity_type", Message: "entityType is required"}
	}
	if strings.TrimSpace(op.EntityID) == "" {
		return &ErrorBody{Code: "missing_entity_id", Message: "entityId is required"}
	}
	switch op.OpType {
	case OpTypeUpsert:
		if !hasData(op.Data) {
			return &ErrorBody{Code: "missing_data", Message: "data is required for upsert operations"}
		}
	case OpTypeDelete:
	default:
		return &ErrorBody{Code: "invalid_op_type", Message: "opType must be \"upsert\" or \"delete\""}
	}
	return nil
}

// hasData distinguishes an absent/null payload from a legitimately empty
// one: {} and "" count as present, null and a missing field do not.
func hasData(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	return !bytes.Equal(trimmed, []byte("null"))
}
