package download

import (
	"sort"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// File is one downloaded candidate ready for classification.
type File struct {
	URL      string
	Body     []byte
	Type     tariff.FileType
	Year     int
	BlobURI  string
	Strategy tariff.DiscoveryStrategy
}

// CountFunc reports, per data class, how many plausible records the fast
// deterministic extractor finds in a file. Zero counts mean the file does
// not carry that class.
type CountFunc func(f File) map[tariff.DataClass]int

// Classification is the outcome of one classify pass.
type Classification struct {
	// Best holds the winning file per data class.
	Best map[tariff.DataClass]File
	// Counts holds the winner's plausible-record count per class.
	Counts map[tariff.DataClass]int
	// Unclassified lists files that matched no class. They are kept on
	// record so a reviewer can inspect what the crawl brought back.
	Unclassified []File
}

// Empty reports whether nothing classified at all. On a first crawl pass
// this signals the orchestrator to retry discovery with raised budgets.
func (c Classification) Empty() bool {
	return len(c.Best) == 0
}

// Classify runs the deterministic first pass over every candidate and
// keeps, per data class, the file yielding the most plausible records.
// Ties break on URL so repeated runs over the same inputs pick the same
// winner.
func Classify(files []File, count CountFunc) Classification {
	out := Classification{
		Best:   make(map[tariff.DataClass]File),
		Counts: make(map[tariff.DataClass]int),
	}

	ordered := make([]File, len(files))
	copy(ordered, files)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].URL < ordered[j].URL })

	for _, f := range ordered {
		counts := count(f)
		matched := false
		for _, class := range []tariff.DataClass{tariff.ClassTariff, tariff.ClassTimeWindow} {
			n := counts[class]
			if n <= 0 {
				continue
			}
			matched = true
			if n > out.Counts[class] {
				out.Best[class] = f
				out.Counts[class] = n
			}
		}
		if !matched {
			out.Unclassified = append(out.Unclassified, f)
		}
	}
	return out
}
