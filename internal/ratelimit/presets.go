package ratelimit

// Endpoint policy presets. Windows and budgets follow the traffic shape
// of each endpoint class rather than one global number. Queue
// submissions pick their preset through Preset and the queue's
// submitPolicy config field.

// Strict guards sensitive operations such as retraining triggers: a
// tight window with few requests.
func Strict() Config {
	return Config{Name: "strict", WindowMs: 60_000, Max: 5}
}

// Auth covers login and token endpoints. Successful attempts do not
// spend budget, so only repeated failures lock a key out. This service
// exposes no auth endpoints itself; the preset is part of the catalog
// for the fronting API.
func Auth() Config {
	return Config{Name: "auth", WindowMs: 15 * 60_000, Max: 10, SkipSuccessful: true}
}

// General covers the broad API surface.
func General() Config {
	return Config{Name: "general", WindowMs: 60_000, Max: 100}
}

// Upload covers audio and file submission, which is expensive per call.
func Upload() Config {
	return Config{Name: "upload", WindowMs: 10 * 60_000, Max: 20}
}

// Scan covers scan submissions, sized for expected per-user volume.
func Scan() Config {
	return Config{Name: "scan", WindowMs: 60_000, Max: 30}
}

// Preset resolves a policy name from configuration. Unknown names
// report false so config validation can reject them.
func Preset(name string) (Config, bool) {
	switch name {
	case "strict":
		return Strict(), true
	case "auth":
		return Auth(), true
	case "general":
		return General(), true
	case "upload":
		return Upload(), true
	case "scan", "":
		return Scan(), true
	}
	return Config{}, false
}
