package video

// Image is a single decoded frame. Implementations may hold native resources;
// the final owner must call Close. Clone produces an independent copy that
// outlives the original.
type Image interface {
	Width() int
	Height() int
	Clone() Image
	EncodeJPEG(quality int) ([]byte, error)
	EncodePNG() ([]byte, error)
	Close()
}

// Decoder turns encoded image bytes (JPEG/PNG) into an Image.
type Decoder interface {
	Decode(data []byte) (Image, error)
}

// Sink persists decoded frames for one session. Exactly one ingestion context
// owns a sink at a time.
type Sink interface {
	Write(img Image) error
	Release() error
}

// SinkFactory creates a session sink once the first frame's dimensions are
// known.
type SinkFactory interface {
	Create(sessionID string, width, height int, fps float64) (Sink, error)
}

// Source reads frames from an opened stream or file at source pace. Read
// returns false once the source is exhausted or broken.
type Source interface {
	Read() (Image, bool)
	FPS() float64
	Release()
}

// SourceOpener opens a Source by locator: an HLS/RTSP/HTTP URL or a local file
// path.
type SourceOpener interface {
	Open(locator string) (Source, error)
}
