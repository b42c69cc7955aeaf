package modules

import (
	"fmt"
	"sort"
	"strconv"
)

// Translator maps TOPAZ identifiers to WEPP identifiers and back. Hillslopes
// take WEPP ids 1..n in ascending TOPAZ order, channels follow as n+1..n+m.
type Translator struct {
	topazToWepp map[int]int
	weppToTopaz map[int]int
	hillslopes  []int
	channels    []int
}

// NewTranslator builds the bijection from the hillslope and channel id sets.
func NewTranslator(hillslopes, channels []int) (*Translator, error) {
	t := &Translator{
		topazToWepp: make(map[int]int, len(hillslopes)+len(channels)),
		weppToTopaz: make(map[int]int, len(hillslopes)+len(channels)),
		hillslopes:  append([]int(nil), hillslopes...),
		channels:    append([]int(nil), channels...),
	}
	sort.Ints(t.hillslopes)
	sort.Ints(t.channels)

	next := 1
	for _, group := range [][]int{t.hillslopes, t.channels} {
		for _, topaz := range group {
			if _, dup := t.topazToWepp[topaz]; dup {
				return nil, fmt.Errorf("duplicate topaz id %d", topaz)
			}
			t.topazToWepp[topaz] = next
			t.weppToTopaz[next] = topaz
			next++
		}
	}
	return t, nil
}

// Wepp returns the WEPP id of a TOPAZ id.
func (t *Translator) Wepp(topaz int) (int, bool) {
	id, ok := t.topazToWepp[topaz]
	return id, ok
}

// Topaz returns the TOPAZ id of a WEPP id.
func (t *Translator) Topaz(wepp int) (int, bool) {
	id, ok := t.weppToTopaz[wepp]
	return id, ok
}

// Hillslopes returns the sorted hillslope TOPAZ ids.
func (t *Translator) Hillslopes() []int { return t.hillslopes }

// Channels returns the sorted channel TOPAZ ids.
func (t *Translator) Channels() []int { return t.channels }

// Len is the number of translated elements.
func (t *Translator) Len() int { return len(t.topazToWepp) }

// FlexInt decodes a JSON number or a numeric string.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	*f = FlexInt(int(v))
	return nil
}
