// Package iomgr implements a process-wide I/O manager: a fixed pool of
// reactor threads multiplexing file descriptors with epoll, cross-thread
// messaging over eventfds, and asynchronous block-device I/O driven by the
// kernel AIO and io_uring facilities.
//
// A caller starts the manager with an expected interface count and a thread
// count, registers its IO interfaces, then issues synchronous or
// asynchronous reads and writes through a drive interface. Completions are
// harvested on the reactor thread that submitted the operation and reported
// through a completion callback.
//
// The package targets Linux; epoll, eventfd, and the kernel AIO submission
// path have no portable equivalent.
package iomgr
