package statusui

import "encoding/json"

// sessionPayload mirrors research.Snapshot's JSON shape without importing
// the research package, keeping the dashboard usable against any server
// exposing the same wire format.
type sessionPayload struct {
	ID           string `json:"id"`
	Query        string `json:"query"`
	Status       string `json:"status"`
	Elapsed      string `json:"elapsed"`
	LastProgress string `json:"last_progress"`
	PagesVisited int    `json:"pages_visited"`
	ResultCount  int    `json:"result_count"`
}

func decodeRows(r interface{ Read([]byte) (int, error) }) ([]row, error) {
	var payload []sessionPayload
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, err
	}
	rows := make([]row, 0, len(payload))
	for _, p := range payload {
		rows = append(rows, row{
			ID:       p.ID,
			Query:    p.Query,
			Status:   p.Status,
			Pages:    p.PagesVisited,
			Results:  p.ResultCount,
			Elapsed:  p.Elapsed,
			Progress: p.LastProgress,
		})
	}
	return rows, nil
}
