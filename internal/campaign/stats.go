package campaign

// StatusCount is one row of a GROUP BY (call_status, call_outcome) over recipients.
type StatusCount struct {
	Status  CallStatus  `json:"status" db:"call_status"`
	Outcome CallOutcome `json:"outcome" db:"call_outcome"`
	Count   int         `json:"count" db:"count"`
}

// Stats is the recomputed, authoritative view of a campaign's recipients.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// AggregateStats is the only place recipient rows are turned into campaign
// numbers. Every read path that surfaces stats goes through it so endpoints
// never disagree.
//
//	pending    = pending + queued + calling
//	completed  = completed + failed
//	successful = completed with outcome answered
//	failed     = failed
func AggregateStats(rows []StatusCount) Stats {
	var s Stats
	for _, r := range rows {
		if r.Count <= 0 {
			continue
		}
		s.Total += r.Count
		switch r.Status {
		case CallStatusPending, CallStatusQueued, CallStatusCalling:
			s.Pending += r.Count
		case CallStatusInProgress:
			s.InProgress += r.Count
		case CallStatusCompleted:
			s.Completed += r.Count
			if r.Outcome == OutcomeAnswered {
				s.Successful += r.Count
			}
		case CallStatusFailed:
			s.Completed += r.Count
			s.Failed += r.Count
		case CallStatusCancelled:
			s.Cancelled += r.Count
		}
	}
	return s
}

// CountRecipients groups in-memory recipient rows the way the SQL repository
// groups table rows.
func CountRecipients(rs []Recipient) []StatusCount {
	type key struct {
		s CallStatus
		o CallOutcome
	}
	idx := make(map[key]int)
	out := make([]StatusCount, 0)
	for _, r := range rs {
		k := key{r.CallStatus, r.CallOutcome}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, StatusCount{Status: r.CallStatus, Outcome: r.CallOutcome})
		}
		out[i].Count++
	}
	return out
}
