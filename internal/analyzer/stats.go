package analyzer

import (
	"encoding/xml"
	"sort"
	"strings"
)

const rootElement = "Ableton"

var trackElements = map[string]string{
	"AudioTrack":  "audio",
	"MidiTrack":   "midi",
	"ReturnTrack": "return",
	"GroupTrack":  "group",
}

// stats collects the structure shared by every project file flavour.
type stats struct {
	creator     string
	devices     map[string]int
	deviceOrder []string
	chains      int
	drumPads    int
	padNotes    []string
	macros      []string
	parameters  int
	samples     map[string]struct{}
	emptyRefs   int
	tracks      map[string]int
	scenes      int
	tempo       string
}

func newStats() *stats {
	return &stats{
		devices: map[string]int{},
		samples: map[string]struct{}{},
		tracks:  map[string]int{},
	}
}

func isDevice(name string) bool {
	return strings.HasSuffix(name, "Device") && name != "Device"
}

func isChain(name string) bool {
	return strings.HasSuffix(name, "Branch") || strings.HasSuffix(name, "BranchPreset")
}

func (s *stats) visit(el xml.StartElement, ancestors []string) {
	name := el.Name.Local
	switch {
	case name == rootElement && len(ancestors) == 0:
		s.creator = attr(el, "Creator")
	case isDevice(name):
		if s.devices[name] == 0 {
			s.deviceOrder = append(s.deviceOrder, name)
		}
		s.devices[name]++
	case isChain(name):
		s.chains++
		if strings.HasPrefix(name, "DrumBranch") {
			s.drumPads++
		}
	case name == "ReceivingNote" && within(ancestors, "DrumBranchPreset"):
		s.padNotes = append(s.padNotes, attr(el, "Value"))
	case strings.HasPrefix(name, "MacroDisplayNames."):
		s.macros = append(s.macros, attr(el, "Value"))
	case name == "Manual":
		s.parameters++
		if len(ancestors) > 0 && ancestors[len(ancestors)-1] == "Tempo" && s.tempo == "" {
			s.tempo = attr(el, "Value")
		}
	case (name == "RelativePath" || name == "Path") && within(ancestors, "FileRef"):
		if v := attr(el, "Value"); v != "" {
			s.samples[v] = struct{}{}
		} else if name == "Path" {
			s.emptyRefs++
		}
	case name == "Scene" && within(ancestors, "Scenes"):
		s.scenes++
	}
	if kind, ok := trackElements[name]; ok && within(ancestors, "Tracks") {
		s.tracks[kind]++
	}
}

func (s *stats) sampleList() []string {
	out := make([]string, 0, len(s.samples))
	for p := range s.samples {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *stats) deviceCount() int {
	total := 0
	for _, n := range s.devices {
		total += n
	}
	return total
}

func (s *stats) trackCount() int {
	total := 0
	for _, n := range s.tracks {
		total += n
	}
	return total
}

// rootProblems reports documents that parsed but are not project files.
func rootProblems(root string) []string {
	if root != rootElement {
		return []string{"unexpected root element <" + root + ">"}
	}
	return nil
}
