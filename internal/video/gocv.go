package video

import (
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
)

// matImage wraps a gocv.Mat as an Image.
type matImage struct {
	mat gocv.Mat
}

func (m *matImage) Width() int  { return m.mat.Cols() }
func (m *matImage) Height() int { return m.mat.Rows() }

func (m *matImage) Clone() Image {
	return &matImage{mat: m.mat.Clone()}
}

func (m *matImage) EncodeJPEG(quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, m.mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

func (m *matImage) EncodePNG() ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m.mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

func (m *matImage) Close() {
	m.mat.Close()
}

// MatDecoder decodes encoded image bytes into BGR mats via OpenCV.
type MatDecoder struct{}

func NewMatDecoder() *MatDecoder {
	return &MatDecoder{}
}

func (d *MatDecoder) Decode(data []byte) (Image, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("decoded image is empty")
	}
	return &matImage{mat: mat}, nil
}

// FileSinkFactory writes session recordings as mp4v-encoded files under a
// storage directory, one file per session.
type FileSinkFactory struct {
	dir string
}

func NewFileSinkFactory(dir string) *FileSinkFactory {
	return &FileSinkFactory{dir: dir}
}

func (f *FileSinkFactory) Create(sessionID string, width, height int, fps float64) (Sink, error) {
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", f.dir, err)
	}

	path := filepath.Join(f.dir, sessionID+".mp4")
	writer, err := gocv.VideoWriterFile(path, "mp4v", fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create video writer %s: %w", path, err)
	}

	return &fileSink{writer: writer, path: path}, nil
}

type fileSink struct {
	writer *gocv.VideoWriter
	path   string
}

func (s *fileSink) Write(img Image) error {
	mi, ok := img.(*matImage)
	if !ok {
		return fmt.Errorf("unsupported image type %T", img)
	}
	if err := s.writer.Write(mi.mat); err != nil {
		return fmt.Errorf("failed to write frame to %s: %w", s.path, err)
	}
	return nil
}

func (s *fileSink) Release() error {
	return s.writer.Close()
}

// CaptureOpener opens pull sources through OpenCV's VideoCapture, which
// handles HLS, RTSP, plain HTTP video and local files.
type CaptureOpener struct{}

func NewCaptureOpener() *CaptureOpener {
	return &CaptureOpener{}
}

func (o *CaptureOpener) Open(locator string) (Source, error) {
	capture, err := gocv.OpenVideoCapture(locator)
	if err != nil {
		return nil, fmt.Errorf("failed to open video source %s: %w", locator, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video source %s could not be opened", locator)
	}
	return &captureSource{capture: capture}, nil
}

type captureSource struct {
	capture *gocv.VideoCapture
}

func (s *captureSource) Read() (Image, bool) {
	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, false
	}
	return &matImage{mat: mat}, true
}

func (s *captureSource) FPS() float64 {
	return s.capture.Get(gocv.VideoCaptureFPS)
}

func (s *captureSource) Release() {
	s.capture.Close()
}
