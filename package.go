// Package comfypredict runs a single ComfyUI workflow as a prediction. The
// predictor stages an input image, patches the image filename and seed into
// an API format workflow, runs it on ComfyUI (a child process or an already
// running server) and converts the outputs to webp, jpg or png. The
// comfypredict command serves predictions over HTTP or runs one from the
// command line.
package comfypredict
