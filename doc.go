/*
Package rtld is the user-space runtime ELF linker of a microkernel process.

Given a main executable and its transitive shared library dependencies it maps
each library, parses its dynamic section, builds the symbol scope, applies
relocations, lays out static thread local storage, installs the thread pointer
and runs initializers in dependency order, all before the entry point runs.

# Underwater

 1. Libraries are fetched by name through a [fetch.Transport], trying every search prefix in order.
 2. Each library gets its own address window starting at library_base, read-only segments are
    mapped shared from the file, writable segments are copied into copy-on-write memory.
 3. Symbols resolve by first match in depth first pre-order from the main object, using the SysV hash table.
 4. Only x86-64 explicit addend relocations and the initial TLS model are supported.
 5. Initializers run after all dependencies, a dependency cycle is fatal.

# Target

The loader never touches host memory, it reads, writes, maps and calls through a [Target].
[AddressSpace] is a simulated target, which turns the loader into a dry-run linker
used by the ldinit command and the tests.

# Notes

 1. A [Session] is single threaded. After Load returns it is read only.
 2. Any fatal error poisons the session, see [ErrSessionFailed].

# Command

	go install github.com/ZenLiuCN/rtld/ldinit@latest

For more details see the cli help:

	ldinit -h
*/
package rtld
