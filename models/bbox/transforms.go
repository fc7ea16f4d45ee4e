package bbox

import "github.com/nvr-ai/go-rcnn/common"

// ToRoIs tags every box with the index of its image, image by image.
func ToRoIs(boxes [][]common.Box) []common.RoI {
	var total int
	for _, b := range boxes {
		total += len(b)
	}
	rois := make([]common.RoI, 0, total)
	for i, bs := range boxes {
		for _, b := range bs {
			rois = append(rois, common.RoI{ImgID: i, Box: b})
		}
	}
	return rois
}

// RoIBoxes strips the image index off a RoI list.
func RoIBoxes(rois []common.RoI) []common.Box {
	out := make([]common.Box, len(rois))
	for i, r := range rois {
		out[i] = r.Box
	}
	return out
}

// Mapping maps boxes from original image space into an augmented view that was
// rescaled by scale and optionally flipped horizontally. imgShape is the
// (height, width) of the augmented view.
func Mapping(boxes []common.Box, imgShape [2]int, scale [4]float32, flip bool) []common.Box {
	out := make([]common.Box, len(boxes))
	w := float32(imgShape[1])
	for i, b := range boxes {
		b = b.Scale(scale)
		if flip {
			b = flipX(b, w)
		}
		out[i] = b
	}
	return out
}

// MappingBack is the inverse of Mapping.
func MappingBack(boxes []common.Box, imgShape [2]int, scale [4]float32, flip bool) []common.Box {
	out := make([]common.Box, len(boxes))
	w := float32(imgShape[1])
	for i, b := range boxes {
		if flip {
			b = flipX(b, w)
		}
		out[i] = b.Unscale(scale)
	}
	return out
}

func flipX(b common.Box, width float32) common.Box {
	return common.Box{X1: width - b.X2, Y1: b.Y1, X2: width - b.X1, Y2: b.Y2}
}
