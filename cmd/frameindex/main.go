// Command frameindex transcodes an input video to H.265 and emits the
// per-frame offset sidecar sessions consume to seek and decode frames.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/asticode/go-astiav"

	"hevcframe/internal/codec"
	"hevcframe/internal/index"
)

func main() {
	inputPath := flag.String("input", "", "path to the source video (MP4/MOV)")
	outputPath := flag.String("output", "", "path to write the re-encoded H.265 file (defaults to input with .h265 extension)")
	sidecarPath := flag.String("sidecar", "", "path to write the offset sidecar JSON (defaults to output with .json extension)")
	videoURL := flag.String("video-url", "", "video_url recorded in the sidecar (defaults to output path)")
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("[Main] -input is required")
	}
	output, sidecar, url := derivePaths(*inputPath, *outputPath, *sidecarPath, *videoURL)

	codec.Init()

	if err := transcode(*inputPath, output); err != nil {
		log.Fatalf("[Main] transcode failed: %v", err)
	}
	log.Printf("[Main] wrote %s", output)

	idx, err := buildIndex(output, url)
	if err != nil {
		log.Fatalf("[Main] indexing failed: %v", err)
	}
	if err := idx.Validate(); err != nil {
		log.Fatalf("[Main] produced index fails invariant checks: %v", err)
	}

	raw, err := index.Encode(idx)
	if err != nil {
		log.Fatalf("[Main] encode sidecar: %v", err)
	}
	if err := os.WriteFile(sidecar, raw, 0o644); err != nil {
		log.Fatalf("[Main] write sidecar: %v", err)
	}
	log.Printf("[Main] wrote %s (%d frames)", sidecar, len(idx.Frames))
}

// derivePaths fills in the output/sidecar/video-url defaults from input and
// output per the -output/-sidecar/-video-url flag docs above.
func derivePaths(input, output, sidecar, videoURL string) (outPath, sidecarPath, url string) {
	outPath = output
	if outPath == "" {
		outPath = strings.TrimSuffix(input, filepath.Ext(input)) + ".h265"
	}
	sidecarPath = sidecar
	if sidecarPath == "" {
		sidecarPath = strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".json"
	}
	url = videoURL
	if url == "" {
		url = outPath
	}
	return outPath, sidecarPath, url
}

// transcode decodes every video frame of input and re-encodes it to H.265,
// writing a fresh container at output. Audio and other streams are
// dropped; the frame server only ever cares about the video track.
func transcode(input, output string) error {
	inFc := astiav.AllocFormatContext()
	if inFc == nil {
		return errors.New("AllocFormatContext(input)")
	}
	defer inFc.Free()

	if err := inFc.OpenInput(input, nil, nil); err != nil {
		return fmt.Errorf("OpenInput: %w", err)
	}
	defer inFc.CloseInput()

	if err := inFc.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("FindStreamInfo: %w", err)
	}

	inStreamIndex := -1
	for i, s := range inFc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			inStreamIndex = i
			break
		}
	}
	if inStreamIndex < 0 {
		return errors.New("no video stream in input")
	}
	inStream := inFc.Streams()[inStreamIndex]

	decCodec := astiav.FindDecoder(inStream.CodecParameters().CodecID())
	if decCodec == nil {
		return fmt.Errorf("no decoder for %s", inStream.CodecParameters().CodecID())
	}
	decCtx := astiav.AllocCodecContext(decCodec)
	if decCtx == nil {
		return errors.New("AllocCodecContext(decoder)")
	}
	defer decCtx.Free()
	if err := inStream.CodecParameters().ToCodecContext(decCtx); err != nil {
		return fmt.Errorf("ToCodecContext(decoder): %w", err)
	}
	if err := decCtx.Open(decCodec, nil); err != nil {
		return fmt.Errorf("open decoder: %w", err)
	}

	encCodec := astiav.FindEncoder(astiav.CodecIDHevc)
	if encCodec == nil {
		return errors.New("no hevc encoder registered")
	}
	encCtx := astiav.AllocCodecContext(encCodec)
	if encCtx == nil {
		return errors.New("AllocCodecContext(encoder)")
	}
	defer encCtx.Free()

	encCtx.SetWidth(decCtx.Width())
	encCtx.SetHeight(decCtx.Height())
	encCtx.SetPixelFormat(astiav.PixelFormatYuv420P)
	encCtx.SetTimeBase(inStream.TimeBase())
	framerate := inStream.AvgFrameRate()
	if framerate.Num() <= 0 || framerate.Den() <= 0 {
		framerate = astiav.NewRational(25, 1)
	}
	encCtx.SetFramerate(framerate)
	// One IRAP roughly every two seconds so random-access seeks never
	// need to decode more than a couple seconds of delta frames forward.
	gop := framerate.Num() / framerate.Den() * 2
	if gop <= 0 {
		gop = 48
	}
	encCtx.SetGopSize(gop)

	if err := encCtx.Open(encCodec, nil); err != nil {
		return fmt.Errorf("open encoder: %w", err)
	}

	outFc, err := astiav.AllocOutputFormatContext(nil, "", output)
	if err != nil || outFc == nil {
		return fmt.Errorf("AllocOutputFormatContext: %w", err)
	}
	defer outFc.Free()

	outStream := outFc.NewStream(nil)
	if outStream == nil {
		return errors.New("NewStream(output) returned nil")
	}
	if err := encCtx.ToCodecParameters(outStream.CodecParameters()); err != nil {
		return fmt.Errorf("ToCodecParameters: %w", err)
	}
	outStream.SetTimeBase(encCtx.TimeBase())

	ioFlags := astiav.NewIOContextFlags(astiav.IOContextFlagWrite)
	pb, err := astiav.OpenIOContext(output, ioFlags, nil, nil)
	if err != nil {
		return fmt.Errorf("OpenIOContext: %w", err)
	}
	defer func() {
		_ = pb.Close()
		pb.Free()
	}()
	outFc.SetPb(pb)

	if err := outFc.WriteHeader(nil); err != nil {
		return fmt.Errorf("WriteHeader: %w", err)
	}

	pkt := astiav.AllocPacket()
	defer pkt.Free()
	frame := astiav.AllocFrame()
	defer frame.Free()
	outPkt := astiav.AllocPacket()
	defer outPkt.Free()

	flushEncoder := func() error {
		if err := encCtx.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return fmt.Errorf("SendFrame(flush): %w", err)
		}
		return drainEncoder(encCtx, outPkt, outFc, outStream)
	}

	for {
		readErr := inFc.ReadFrame(pkt)
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("ReadFrame: %w", readErr)
		}
		if pkt.StreamIndex() != inStreamIndex {
			pkt.Unref()
			continue
		}

		if err := decCtx.SendPacket(pkt); err != nil && !errors.Is(err, astiav.ErrEagain) {
			pkt.Unref()
			return fmt.Errorf("SendPacket(decode): %w", err)
		}
		pkt.Unref()

		for {
			err := decCtx.ReceiveFrame(frame)
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				break
			}
			if err != nil {
				return fmt.Errorf("ReceiveFrame(decode): %w", err)
			}

			if err := encCtx.SendFrame(frame); err != nil && !errors.Is(err, astiav.ErrEagain) {
				frame.Unref()
				return fmt.Errorf("SendFrame(encode): %w", err)
			}
			frame.Unref()

			if err := drainEncoder(encCtx, outPkt, outFc, outStream); err != nil {
				return err
			}
		}
	}

	if err := flushEncoder(); err != nil {
		return err
	}
	return outFc.WriteTrailer()
}

func drainEncoder(encCtx *astiav.CodecContext, pkt *astiav.Packet, outFc *astiav.FormatContext, outStream *astiav.Stream) error {
	for {
		err := encCtx.ReceivePacket(pkt)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ReceivePacket(encode): %w", err)
		}
		pkt.SetStreamIndex(outStream.Index())
		if err := outFc.WriteInterleavedFrame(pkt); err != nil {
			pkt.Unref()
			return fmt.Errorf("WriteInterleavedFrame: %w", err)
		}
		pkt.Unref()
	}
}

// buildIndex reopens the freshly written output file and walks its video
// track packets in stored order, exactly as the indexing algorithm
// requires: positions must come from the file actually on disk, not from
// bookkeeping kept during the write pass, since only the demuxer knows the
// final byte layout after muxing.
func buildIndex(output, videoURL string) (*index.Index, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("AllocFormatContext")
	}
	defer fc.Free()

	if err := fc.OpenInput(output, nil, nil); err != nil {
		return nil, fmt.Errorf("OpenInput: %w", err)
	}
	defer fc.CloseInput()

	if err := fc.FindStreamInfo(nil); err != nil {
		return nil, fmt.Errorf("FindStreamInfo: %w", err)
	}

	streamIndex := -1
	for i, s := range fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			streamIndex = i
			break
		}
	}
	if streamIndex < 0 {
		return nil, errors.New("no video stream in produced file")
	}

	var packets []index.PacketInfo
	pkt := astiav.AllocPacket()
	defer pkt.Free()

	for {
		err := fc.ReadFrame(pkt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("ReadFrame: %w", err)
		}
		if pkt.StreamIndex() == streamIndex {
			packets = append(packets, index.PacketInfo{
				Position:   pkt.Pos(),
				IsKeyframe: pkt.Flags().Has(astiav.PacketFlagKey),
			})
		}
		pkt.Unref()
	}

	return index.Build(videoURL, packets), nil
}
