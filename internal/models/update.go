package models

// Change identifies one row a sync pass touched.
type Change struct {
	Table string    `json:"table"`
	ID    string    `json:"id"`
	Op    Operation `json:"op"`
}

// Update is the notification emitted after a pass changed local rows.
type Update struct {
	Store   string   `json:"store"`
	Changes []Change `json:"changes"`
}

// IDs returns the changed row ids of table.
func (u Update) IDs(table string) []string {
	var ids []string
	for _, c := range u.Changes {
		if c.Table == table {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
