package endpoint

// Pair identifies one connection to terminate. Source and Destination always
// share a family.
type Pair struct {
	Source      Endpoint
	Destination Endpoint
}

// Family returns the family shared by both sides.
func (p Pair) Family() Family { return p.Source.Family }

func (p Pair) String() string {
	return p.Source.String() + " -> " + p.Destination.String()
}

// Format renders the pair as one protocol line.
func (p Pair) Format() string {
	return p.Source.String() + " " + p.Destination.String() + "\n"
}
