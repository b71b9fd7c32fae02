package vmbridge

// VolumeSample is a single observation of the default output device's state
type VolumeSample struct {
	Level float32 // linear scalar in [0.0, 1.0]
	Muted bool
}

// mapSampleToStrip converts an endpoint volume sample into the strip's
// gain (dB) and mute parameter values. The gain interpolates linearly over
// the endpoint's linear scalar rather than over a perceptual curve; this
// matches what the console itself shows for its hardware strips.
func mapSampleToStrip(sample VolumeSample, minGain, maxGain float32) (gainDB float32, muteFlag float32) {
	if sample.Level == 0.0 || sample.Muted {
		muteFlag = 1.0
	}

	gainDB = minGain + (maxGain-minGain)*sample.Level

	return gainDB, muteFlag
}
