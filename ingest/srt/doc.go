// Package srt implements SRT (Secure Reliable Transport) ingest, including
// both listener-mode (Server) for accepting incoming publish connections and
// caller-mode (Caller) for pulling streams from remote SRT sources. Incoming
// streamids are parsed by parseStreamID into a stream key and a
// stream.SourceKind, so screen-share sources can be routed differently from
// camera sources further down the pipeline.
package srt
