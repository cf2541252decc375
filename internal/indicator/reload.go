package indicator

import "chartfeed/internal/model"

// Reconfigure switches the engine to a new indicator set. Indicators present
// in both sets keep their accumulated state and output; new ones are folded
// over the committed bars so they line up immediately. bars must be the
// series the engine is currently synced to.
// Returns the number of preserved and new indicator instances.
func (e *Engine) Reconfigure(configs []Config, bars []model.Bar) (preserved, created int, err error) {
	if err := ValidateConfigs(configs); err != nil {
		return 0, 0, err
	}
	old := make(map[string]*slot, len(e.slots))
	for _, s := range e.slots {
		old[s.key] = s
	}
	slots, err := e.buildSlots(configs, old)
	if err != nil {
		return 0, 0, err
	}

	settled := e.committed
	if settled > len(bars) {
		settled = len(bars)
	}
	for _, s := range slots {
		if _, ok := old[s.key]; ok {
			preserved++
			continue
		}
		created++
		for i := 0; i < settled; i++ {
			if vals, ok := s.ind.Update(bars[i]); ok {
				s.points = append(s.points, model.IndicatorPoint{Time: bars[i].Time, Values: vals})
			}
		}
		if len(bars) > settled {
			s.tail = peek(s.ind, bars[len(bars)-1])
		}
	}

	e.configs = configs
	e.slots = slots
	return preserved, created, nil
}
