package rtld

import (
	"fmt"
)

// tlsBaseAlignment is what the thread pointer is aligned to; every static TLS alignment must divide it.
const tlsBaseAlignment = 16

// tcbSize is the thread control block: a single self pointer.
const tcbSize = 8

// TlsLayout is the static TLS of the process. Blocks precede the thread pointer.
type TlsLayout struct {
	InitialSize   uint64
	Objects       []*SharedObject
	ThreadPointer uint64 //0 until installed
}

// PlanStaticTls assigns initial model offsets to every queued object with a TLS segment.
// It runs once, before relocations; later calls return the existing layout.
func (l *Loader) PlanStaticTls() (*TlsLayout, error) {
	if l.tls != nil {
		return l.tls, nil
	}
	if len(l.linkQueue) == 0 {
		return nil, fmt.Errorf("plan static TLS: empty link queue")
	}
	if first := l.registry.Object(l.linkQueue[0]); !first.IsMain {
		return nil, fmt.Errorf("plan static TLS: %s is not the main object", first.Name)
	}
	layout := new(TlsLayout)
	for _, h := range l.linkQueue {
		o := l.registry.Object(h)
		if o.TlsSegmentSize == 0 {
			continue
		}
		align := o.TlsAlignment
		if align == 0 {
			align = 1
		}
		if tlsBaseAlignment%align != 0 {
			return nil, fmt.Errorf("%w: %s: TLS alignment %d", ErrMalformedObject, o.Name, o.TlsAlignment)
		}
		layout.InitialSize = alignUp(layout.InitialSize+o.TlsSegmentSize, align)
		o.TlsOffset = -int64(layout.InitialSize)
		o.TlsModel = TlsInitial
		layout.Objects = append(layout.Objects, o)
		if l.verbose {
			l.log.Info("static TLS", "object", o.Name, "offset", o.TlsOffset, "size", o.TlsSegmentSize)
		}
	}
	l.tls = layout
	return layout, nil
}

// InstallTls allocates the initial TLS block and thread control block at base,
// copies every initialization image and installs the thread pointer.
func (l *Loader) InstallTls(base uint64) (uint64, error) {
	if l.tls == nil {
		return 0, fmt.Errorf("install TLS: layout not planned")
	}
	if l.tls.ThreadPointer != 0 {
		return l.tls.ThreadPointer, nil
	}
	prefix := alignUp(l.tls.InitialSize, tlsBaseAlignment)
	start, err := l.target.Map(nil, 0, alignUp(prefix+tcbSize, PageSize), base, PermReadWriteCopyOnWrite)
	if err != nil {
		return 0, fmt.Errorf("install TLS: %w", err)
	}
	tp := start + prefix
	for _, o := range l.tls.Objects {
		if o.TlsImageSize == 0 {
			continue
		}
		image := make([]byte, o.TlsImageSize)
		if err = l.target.ReadAt(image, o.TlsImage); err != nil {
			return 0, fmt.Errorf("install TLS: image of %s: %w", o.Name, err)
		}
		if err = l.target.WriteAt(image, tp+uint64(o.TlsOffset)); err != nil {
			return 0, fmt.Errorf("install TLS: %w", err)
		}
	}
	if err = writeWord(l.target, tp, tp); err != nil {
		return 0, err
	}
	if err = l.target.SetThreadPointer(tp); err != nil {
		return 0, err
	}
	l.tls.ThreadPointer = tp
	if l.verbose {
		l.log.Info("thread pointer installed", "tp", fmt.Sprintf("%#x", tp), "size", l.tls.InitialSize)
	}
	return tp, nil
}

// Tls returns the planned layout, nil before [Loader.PlanStaticTls].
func (l *Loader) Tls() *TlsLayout {
	return l.tls
}
