package grading

// threshold maps an inclusive lower bound to a letter grade.
type threshold struct {
	min   float64
	grade string
}

// scale is ordered by descending lower bound.
var scale = []threshold{
	{98, "A+"},
	{94, "A"},
	{90, "A-"},
	{85, "B+"},
	{80, "B"},
	{74, "B-"},
	{68, "C+"},
	{62, "C"},
	{56, "C-"},
	{50, "D+"},
	{44, "D"},
}

// Lowest is the grade for any score below the last threshold.
const Lowest = "D-"

// Grade maps an overall score in [0,100] to its letter grade.
func Grade(score float64) string {
	for _, t := range scale {
		if score >= t.min {
			return t.grade
		}
	}
	return Lowest
}
