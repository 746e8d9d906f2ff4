package presenter

// Progress estimates how many frames the device has finished showing. It
// only ever moves forward.
type Progress struct {
	capacity  int
	presented int
}

func NewProgress(capacity int) *Progress {
	return &Progress{capacity: capacity}
}

// Update derives the estimate from the frames uploaded so far and the number
// of slots still waiting behind the active one: everything uploaded except
// the active and waiting slots has been shown. A lower estimate than the
// current one is a misread and is dropped; Update then reports false.
func (p *Progress) Update(uploaded, waiting int) bool {
	est := uploaded - (waiting+1)*p.capacity
	if est < p.presented {
		return false
	}
	p.presented = est
	return true
}

// Finish is called once projection has stopped on its own. In queue mode
// that means every uploaded frame has played, however many slots ran out
// between the last two reads.
func (p *Progress) Finish(uploaded int) {
	p.presented = min(max(p.presented+p.capacity, uploaded), uploaded)
}

// Presented returns the current estimate.
func (p *Progress) Presented() int { return p.presented }
