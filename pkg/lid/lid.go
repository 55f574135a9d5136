// Package lid turns record bodies into language-tagged sentences.
//
// It holds the language-identification contract (Classifier), the static
// registry that maps classifier labels to output language codes, and the
// Extractor that filters lines and resolves their language.
package lid

// Prediction is one ranked label returned by a Classifier.
type Prediction struct {
	Label      string
	Confidence float32
}

// Classifier identifies the language of a line of text.
//
// Predict returns predictions ordered by descending confidence. The slice
// may be empty. An error is treated by callers as "no prediction".
// Implementations must be safe for concurrent use.
type Classifier interface {
	Predict(text string) ([]Prediction, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(text string) ([]Prediction, error)

// Predict calls f(text).
func (f ClassifierFunc) Predict(text string) ([]Prediction, error) {
	return f(text)
}

// Sentence is a retained line of text paired with its language code.
type Sentence struct {
	Text string
	Lang string
	// Line is the index of the line within its record body.
	Line int
}
