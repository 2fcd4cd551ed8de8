package goslide

import (
	"slices"
	"time"
)

// AssociatedImage reads the named associated image (label, macro, thumbnail).
//
// ok is false with a nil error when the image is unavailable: the name is not
// one of AssociatedImageNames, or the native library declines to report its
// size. A native failure during the read is returned as a *NativeError.
func (s *Slide) AssociatedImage(name string) (img *PixelBuffer, ok bool, err error) {
	meta, err := s.metadata()
	if err != nil {
		return nil, false, err
	}
	if _, found := slices.BinarySearch(meta.associated, name); !found {
		return nil, false, nil
	}

	err = s.handle.withRead(func(osr Ref) error {
		w, h := s.lib.AssociatedImageDimensions(osr, name)
		if err := checkError(s.lib, osr, "associated image dimensions"); err != nil {
			s.metrics.observeCall("associated_image_dimensions", err)
			return err
		}
		s.metrics.observeCall("associated_image_dimensions", nil)
		if w == -1 || h == -1 {
			// non-terminal
			return nil
		}

		buf, err := NewPixelBuffer(w, h)
		if err != nil {
			return err
		}
		start := time.Now()
		s.lib.ReadAssociatedImage(osr, name, buf.Pix)
		err = checkError(s.lib, osr, "read associated image")
		s.metrics.observeRead("read_associated_image", start, len(buf.Pix), err)
		if err != nil {
			return err
		}
		img = buf
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return img, img != nil, nil
}
