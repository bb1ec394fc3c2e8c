// Package encoding negotiates which H.264 encoder this machine can actually
// use and owns the parameter sets for each encoder tier.
//
// The detector walks an ordered list of candidates (GPU vendor encoder,
// platform hardware encoder, software encoder) and runs a real one-second
// trial encode with each; driver presence alone is not trusted. The first
// candidate whose trial succeeds becomes the process-wide Profile and is
// cached until restart. Parameter sets are tier specific, and StepDown
// produces the reduced-quality variant the size-budget enforcer asks for.
package encoding
