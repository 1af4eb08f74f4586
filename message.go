package main

const (
	MsgHandstand = "Handstand detected. Keep your core tight and your shoulders stacked over your hands."

	MsgNoHandstand = "We couldn't see a handstand in this photo. Make sure your whole body is in the frame and the camera is steady."

	MsgCameraUnavailable = "We couldn't access your camera. You can still time your handstand: press start when you go up and stop when you come down."

	MsgModelUnavailable = "The handstand detector is still loading or could not be downloaded. Please try again in a moment."

	MsgSaveFailed = "Your session couldn't be saved. Your time is kept on this connection; tap retry to save it again."

	MsgUnsavedSession = "Your last session hasn't been saved yet. Tap retry to save it before starting a new one."
)

func detectionMessage(isHandstand bool) string {
	if isHandstand {
		return MsgHandstand
	}
	return MsgNoHandstand
}
