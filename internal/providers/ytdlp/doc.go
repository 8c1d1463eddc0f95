// Package ytdlp wraps the yt-dlp command-line extractor as a fetch provider.
//
// Probes run metadata-only extractions; fetches stream JSON progress lines
// from stdout and classify failures from the stderr tail. The spawned process
// gets its own process group so cancellation also kills ffmpeg children.
package ytdlp
