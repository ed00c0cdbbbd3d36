package detector

// Labels is the class list of the bundled MobileNet-SSD model, indexed by class id.
var Labels = []string{
	"background", "aeroplane", "bicycle", "bird", "boat",
	"bottle", "bus", "car", "cat", "chair", "cow", "diningtable",
	"dog", "horse", "motorbike", "person", "pottedplant", "sheep",
	"sofa", "train", "tvmonitor",
}

// LabelIndex returns the class id of label, or -1.
func LabelIndex(label string) int {
	for i, l := range Labels {
		if l == label {
			return i
		}
	}
	return -1
}

func labelFor(id int, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if id > 0 && id < len(Labels) {
		return Labels[id]
	}
	return ""
}
