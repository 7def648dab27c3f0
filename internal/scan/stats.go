package scan

// Stats are the run counters. A zero value is the start of a run; counters
// only grow. SignaturesLoaded is set once after the database is compiled.
type Stats struct {
	SignaturesLoaded uint
	FilesScanned     uint64
	FilesUnreadable  uint64
	FilesInfected    uint64
	EngineErrors     uint64
	// BytesScanned is in the engine's counting units.
	BytesScanned uint64
}

// Merge adds a partial produced by another worker. It is commutative and
// associative, so totals do not depend on how work was split.
func (s *Stats) Merge(o Stats) {
	if o.SignaturesLoaded > s.SignaturesLoaded {
		s.SignaturesLoaded = o.SignaturesLoaded
	}
	s.FilesScanned += o.FilesScanned
	s.FilesUnreadable += o.FilesUnreadable
	s.FilesInfected += o.FilesInfected
	s.EngineErrors += o.EngineErrors
	s.BytesScanned += o.BytesScanned
}

// Enumerated is the number of files a scan was attempted on.
func (s Stats) Enumerated() uint64 {
	return s.FilesScanned + s.FilesUnreadable
}

// Summary is the externally reported view of a run.
type Summary struct {
	SignaturesLoaded uint    `json:"signatures_loaded"`
	FilesScanned     uint64  `json:"files_scanned"`
	FilesUnreadable  uint64  `json:"files_unreadable"`
	FilesInfected    uint64  `json:"files_infected"`
	ScannedMB        float64 `json:"scanned_mb"`
}

// Snapshot converts counters to a Summary. precision is the number of bytes
// per counting unit declared by the engine.
func (s Stats) Snapshot(precision uint64) Summary {
	if precision == 0 {
		precision = 1
	}
	return Summary{
		SignaturesLoaded: s.SignaturesLoaded,
		FilesScanned:     s.FilesScanned,
		FilesUnreadable:  s.FilesUnreadable,
		FilesInfected:    s.FilesInfected,
		ScannedMB:        float64(s.BytesScanned) * float64(precision) / 1024 / 1024,
	}
}
