// Package report derives operator views from stored campaigns: the analytics
// dashboard, the responses view, workbook export and a scheduled digest.
package report

import (
	"context"
	"math"
	"sort"
	"time"

	"campaigner/internal/campaign"
	"campaigner/internal/storage"
)

// Row is one campaign line of the dashboard.
type Row struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Status       campaign.Status `json:"status"`
	Complete     bool            `json:"complete"`
	CreatedAt    time.Time       `json:"createdAt"`
	Stats        campaign.Stats  `json:"stats"`
	ResponseRate int             `json:"responseRate"`
}

// Timing is the response-time analysis of one campaign, in minutes since the
// campaign was created.
type Timing struct {
	CampaignID string  `json:"campaignId"`
	Name       string  `json:"name"`
	Responses  int     `json:"responses"`
	First      float64 `json:"firstMinutes"`
	Last       float64 `json:"lastMinutes"`
	Average    float64 `json:"averageMinutes"`
}

type Dashboard struct {
	Campaigns       int      `json:"campaigns"`
	TotalSent       int      `json:"totalSent"`
	TotalResponses  int      `json:"totalResponses"`
	AvgResponseRate int      `json:"avgResponseRate"`
	Rows            []Row    `json:"rows"`
	Timings         []Timing `json:"timings,omitempty"`
	// Best is set only when there is more than one campaign and the best one
	// has sent something.
	Best *Row `json:"best,omitempty"`
}

// Analyze builds the dashboard. responses maps campaign id to its response log
// and may be missing entries.
func Analyze(cs []*campaign.Campaign, responses map[string][]campaign.Response) Dashboard {
	sorted := append([]*campaign.Campaign(nil), cs...)
	campaign.SortNewestFirst(sorted)

	d := Dashboard{Campaigns: len(sorted), Rows: make([]Row, 0, len(sorted))}
	for _, c := range sorted {
		d.TotalSent += c.Stats.Sent
		d.TotalResponses += c.Stats.Responses
		d.Rows = append(d.Rows, Row{
			ID:           c.ID,
			Name:         c.Name,
			Status:       c.Status,
			Complete:     c.CompletedAt != nil,
			CreatedAt:    c.CreatedAt,
			Stats:        c.Stats,
			ResponseRate: c.Stats.ResponseRate(),
		})
		if c.Stats.Responses > 0 {
			if t, ok := timing(c, responses[c.ID]); ok {
				d.Timings = append(d.Timings, t)
			}
		}
	}
	d.AvgResponseRate = campaign.Stats{Sent: d.TotalSent, Responses: d.TotalResponses}.ResponseRate()

	if len(d.Rows) > 1 {
		best := bestRow(d.Rows)
		if best.Stats.Sent > 0 {
			d.Best = &best
		}
	}
	return d
}

func rate(s campaign.Stats) float64 {
	if s.Sent <= 0 {
		return 0
	}
	return float64(s.Responses) / float64(s.Sent)
}

// bestRow picks the highest raw response rate; ties keep the newer campaign.
func bestRow(rows []Row) Row {
	ranked := append([]Row(nil), rows...)
	sort.SliceStable(ranked, func(i, j int) bool { return rate(ranked[i].Stats) > rate(ranked[j].Stats) })
	return ranked[0]
}

func timing(c *campaign.Campaign, rs []campaign.Response) (Timing, bool) {
	t := Timing{CampaignID: c.ID, Name: c.Name, First: math.Inf(1), Last: math.Inf(-1)}
	var sum float64
	for _, r := range rs {
		if r.At.IsZero() {
			continue
		}
		m := r.At.Sub(c.CreatedAt).Minutes()
		sum += m
		t.Responses++
		t.First = math.Min(t.First, m)
		t.Last = math.Max(t.Last, m)
	}
	if t.Responses == 0 {
		return Timing{}, false
	}
	t.Average = math.Round(sum / float64(t.Responses))
	return t, true
}

// Build loads every campaign and its responses and analyzes them.
func Build(ctx context.Context, st storage.Store) (Dashboard, error) {
	cs, err := st.List(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	rs := make(map[string][]campaign.Response, len(cs))
	for _, c := range cs {
		if c.Stats.Responses == 0 {
			continue
		}
		list, err := st.Responses(ctx, c.ID)
		if err != nil {
			return Dashboard{}, err
		}
		rs[c.ID] = list
	}
	return Analyze(cs, rs), nil
}

// ResponsesView is the first Limit responses of one campaign.
type ResponsesView struct {
	Campaign *campaign.Campaign  `json:"campaign"`
	Total    int                 `json:"total"`
	Rate     int                 `json:"rate"`
	Shown    []campaign.Response `json:"shown"`
}

func Responses(ctx context.Context, st storage.Store, id string, limit int) (ResponsesView, error) {
	c, err := st.Load(ctx, id)
	if err != nil {
		return ResponsesView{}, err
	}
	rs, err := st.Responses(ctx, id)
	if err != nil {
		return ResponsesView{}, err
	}
	v := ResponsesView{Campaign: c, Total: len(rs), Rate: c.Stats.ResponseRate(), Shown: rs}
	if limit > 0 && len(rs) > limit {
		v.Shown = rs[:limit]
	}
	return v, nil
}
