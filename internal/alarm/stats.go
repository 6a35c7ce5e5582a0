package alarm

import "time"

// StatsWindow bounds the number of records Statistics looks at.
const StatsWindow = 1000

// recentPeriod is the age below which a record counts as recent.
const recentPeriod = 24 * time.Hour

// Statistics aggregates the StatsWindow most recent records. BySeverity
// always carries the three known severities; ByType is keyed
// "<alarm_type>_<sub_type>".
func (s *Store) Statistics() Stats {
	return ComputeStats(s.RecentRecords(StatsWindow), s.now())
}

// ComputeStats aggregates records as of now.
func ComputeStats(records []Record, now time.Time) Stats {
	st := Stats{
		Total: len(records),
		BySeverity: map[string]int{
			string(SeverityInfo):     0,
			string(SeverityWarning):  0,
			string(SeverityCritical): 0,
		},
		ByType: make(map[string]int),
	}
	cutoff := now.Add(-recentPeriod)
	for _, r := range records {
		if _, known := st.BySeverity[string(r.Severity)]; known {
			st.BySeverity[string(r.Severity)]++
		}
		st.ByType[string(r.AlarmType)+"_"+r.SubType]++
		if r.Timestamp.After(cutoff) {
			st.Recent++
		}
	}
	return st
}
