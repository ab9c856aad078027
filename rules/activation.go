package rules

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/interpreter"

	"github.com/liamcoop/rulestage/record"
)

// rowActivation resolves expression identifiers against the row being inferred.
// Field lookups read the live row, so a rule observes writes made by earlier rules.
type rowActivation struct {
	row   *record.Row
	store TransientStore
	env   Environment
}

var _ interpreter.Activation = (*rowActivation)(nil)

func (a *rowActivation) ResolveName(name string) (any, bool) {
	switch name {
	case VarRow:
		return a.row.Native(), true
	case VarStore:
		return a.store.Snapshot(), true
	case VarEnv:
		return string(a.env), true
	}
	v, ok := a.row.Get(name)
	if !ok {
		return nil, false
	}
	return record.ToNative(v), true
}

func (a *rowActivation) Parent() interpreter.Activation {
	return nil
}

// fromCEL converts an expression result into a record value.
func fromCEL(v ref.Val) (record.Value, error) {
	switch val := v.(type) {
	case *types.Err:
		return nil, val
	case types.Null:
		return record.Null{}, nil
	case types.String:
		return record.String(val), nil
	case types.Int:
		return record.Int(val), nil
	case types.Uint:
		if uint64(val) > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", uint64(val))
		}
		return record.Int(val), nil
	case types.Double:
		return record.Float(val), nil
	case types.Bool:
		return record.Bool(val), nil
	case types.Bytes:
		return record.String(val), nil
	case types.Timestamp:
		return record.String(val.Time.UTC().Format(time.RFC3339Nano)), nil
	case types.Duration:
		return record.String(val.Duration.String()), nil
	case traits.Mapper:
		return mapFromCEL(val)
	case traits.Lister:
		var items record.List
		it := val.Iterator()
		for it.HasNext() == types.True {
			item, err := fromCEL(it.Next())
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		if items == nil {
			items = record.List{}
		}
		return items, nil
	}
	return nil, fmt.Errorf("unsupported expression result of type %s", v.Type().TypeName())
}

func mapFromCEL(m traits.Mapper) (record.Value, error) {
	keys := make(map[string]ref.Val)
	var names []string
	it := m.Iterator()
	for it.HasNext() == types.True {
		k := it.Next()
		name, ok := k.(types.String)
		if !ok {
			return nil, fmt.Errorf("map key of type %s cannot become a field name", k.Type().TypeName())
		}
		keys[string(name)] = k
		names = append(names, string(name))
	}
	sort.Strings(names)

	row := record.NewRow()
	for _, name := range names {
		v, err := fromCEL(m.Get(keys[name]))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		row.Set(name, v)
	}
	return row, nil
}
