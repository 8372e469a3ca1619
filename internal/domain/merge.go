package domain

// ShallowMerge is the data-flow contract between consecutive states: start
// with the input the current step received, then overwrite each top-level
// key present in the step's output.
func ShallowMerge(input, output Document) Document {
	merged := make(Document, len(input)+len(output))
	for k, v := range input {
		merged[k] = v
	}
	for k, v := range output {
		merged[k] = v
	}
	return merged
}
