package models

// ReferenceMode controls how a user-supplied reference image steers a
// generation. The mode decides both the prompt wording and the order
// reference images are sent to the image backend.
type ReferenceMode string

const (
	// ReferenceModeFaceSwap keeps the reference photo's pose, outfit and
	// background and swaps in the character's face. The user reference is
	// sent first, identity images after.
	ReferenceModeFaceSwap ReferenceMode = "face_swap"

	// ReferenceModePoseBackground borrows pose and background from the
	// reference. Identity images are sent first, user reference last.
	ReferenceModePoseBackground ReferenceMode = "pose_background"

	// ReferenceModeClothingPose borrows clothing and pose from the
	// reference. Identity images are sent first, user reference last.
	ReferenceModeClothingPose ReferenceMode = "clothing_pose"

	// ReferenceModeCustom follows the user's own instructions for how to
	// use the reference image.
	ReferenceModeCustom ReferenceMode = "custom"
)

// ValidReferenceMode reports whether mode is one of the known modes.
func ValidReferenceMode(mode ReferenceMode) bool {
	switch mode {
	case ReferenceModeFaceSwap, ReferenceModePoseBackground, ReferenceModeClothingPose, ReferenceModeCustom:
		return true
	}
	return false
}
