package postprocess

import (
	"fmt"

	"github.com/pkg/errors"
)

// ClassSetName identifies a dataset label set.
type ClassSetName string

const (
	// ClassSetCOCO is the 80 COCO classes.
	ClassSetCOCO ClassSetName = "coco"
	// ClassSetVOC is the 20 Pascal VOC classes.
	ClassSetVOC ClassSetName = "voc"
)

// BackgroundName is reported for the background index, which equals the
// number of classes.
const BackgroundName = "__background__"

// ClassSet maps class indices to names. Indices are zero based and carry no
// background entry.
type ClassSet struct {
	Name    ClassSetName
	Classes []string

	nameToIdx map[string]int
}

func newClassSet(name ClassSetName, classes ...string) *ClassSet {
	s := &ClassSet{Name: name, Classes: classes, nameToIdx: make(map[string]int, len(classes))}
	for i, c := range classes {
		s.nameToIdx[c] = i
	}
	return s
}

// Len returns the number of foreground classes.
func (s *ClassSet) Len() int {
	return len(s.Classes)
}

// ClassName returns the name of idx, BackgroundName for the background index
// and "" when idx is out of range.
func (s *ClassSet) ClassName(idx int) string {
	switch {
	case idx >= 0 && idx < len(s.Classes):
		return s.Classes[idx]
	case idx == len(s.Classes):
		return BackgroundName
	}
	return ""
}

// Index returns the index of a class name.
func (s *ClassSet) Index(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, errors.Errorf("name %q not found in class set %q", name, s.Name)
	}
	return idx, nil
}

// Describe formats a detection with its class name.
func (s *ClassSet) Describe(d Detection) string {
	return fmt.Sprintf("%s (score %.4f): %v", s.ClassName(d.Class), d.Score, d.Box)
}

// LookupClassSet returns a known class set.
func LookupClassSet(name ClassSetName) (*ClassSet, error) {
	switch name {
	case ClassSetCOCO:
		return cocoClasses, nil
	case ClassSetVOC:
		return vocClasses, nil
	default:
		return nil, errors.Errorf("unsupported class set: %s", name)
	}
}

var cocoClasses = newClassSet(ClassSetCOCO,
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake",
	"chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop",
	"mouse", "remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
)

var vocClasses = newClassSet(ClassSetVOC,
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa",
	"train", "tvmonitor",
)
