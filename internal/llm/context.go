// Package llm turns the current scene into text context for a language model
// and forwards questions to an Ollama server.
package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// Limitations describes what the detector cannot see
const Limitations = "Object detection is limited to the 20 PASCAL VOC classes"

const promptGuidance = `The detector only recognises a fixed set of classes. Use the data above together
with your own knowledge to infer objects that are likely present, describe spatial
relationships using the distances, and answer the question directly.`

const sceneGuidance = `Based on this data, describe:
1. What is probably happening in the scene
2. Objects likely present that the detector cannot classify
3. Spatial relationships between the detected objects
4. Anything unusual or safety relevant`

// SceneContext renders the summary and detections as a text block
func SceneContext(summary types.Summary, detections []types.Detection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current scene from the RGB-D camera:\n")
	fmt.Fprintf(&b, "- Total objects detected: %d\n", summary.TotalObjects)
	fmt.Fprintf(&b, "- Timestamp: %s\n", summary.Timestamp.Format(time.RFC3339))

	if len(summary.Objects) > 0 {
		b.WriteString("\nDetected objects:\n")
		for _, obj := range summary.Objects {
			fmt.Fprintf(&b, "- %s: %d detected (average depth: %s)\n", obj.Class, obj.Count, formatAverage(obj.AverageDepth))
		}
	}

	if len(detections) > 0 {
		b.WriteString("\nObject locations:\n")
		for _, d := range detections {
			fmt.Fprintf(&b, "- %s at %s (confidence: %.2f)\n", d.Class, formatDepth(d), d.Confidence)
		}
	}
	return b.String()
}

// Prompt wraps a user question with the scene context
func Prompt(sceneContext, question string) string {
	return fmt.Sprintf("%s\n%s\n\nUser question: %s\n", sceneContext, promptGuidance, question)
}

// SceneAnalysisPrompt asks for a general description of the scene
func SceneAnalysisPrompt(sceneContext string) string {
	return fmt.Sprintf("%s\n%s\n", sceneContext, sceneGuidance)
}

func formatAverage(avg *float64) string {
	if avg == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.2fm", *avg)
}

func formatDepth(d types.Detection) string {
	if !d.DepthValid {
		return "unknown distance"
	}
	return fmt.Sprintf("%.2fm distance", d.Depth)
}
