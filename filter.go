package dynembed

// FilterTables splits vars into the dynamic embedding tables and everything
// else, preserving order. Training loops use it to hand tables to
// ApplyGradients and the remaining variables to a dense optimizer.
func FilterTables(vars ...any) (tables []*Table, others []any) {
	for _, v := range vars {
		if t, ok := v.(*Table); ok && t != nil {
			tables = append(tables, t)
			continue
		}
		others = append(others, v)
	}
	return tables, others
}
