/*
Package ledgerdb implements an embedded document store on top of Bolt, built
for a single-user personal finance application.

We implement:

1. Tables, collections of documents marshaled from a given struct with msgpack.
The first struct field is the primary key.

2. Indexes, allowing ordered range queries over values computed from rows.

3. Transactions over a declared set of tables. Transactions nest through
context.Context; only the outermost one commits, and each committed
read-write transaction publishes exactly one ChangeSet on the change bus.

4. Live queries, re-run after every commit and delivered only when the result
changes.

5. Versioned schemas with forward-only upgrade steps.

6. Per-table middleware that sees documents on their way to and from storage,
used for field-level encryption.

7. Settings, a store-wide map of typed values.

# Technical Details

**Buckets.**
Every table has a root bucket named after the table, holding a "data" bucket,
one bucket per index ("i_" + index name), and a "_state" key. The "_meta"
bucket holds the schema version; "_settings" holds settings.

**Index ordinal.**
We assign a unique positive integer ordinal to each index of a table. These
values are never reused.

**Table states.**
We store a meta document per table, called "table state", which maps index
names to ordinals and records when each index was built.

## Binary encoding

**Key encoding.**
Keys and index values use an order-preserving, prefix-free encoding: every
component starts with a type tag, integers are big-endian with the sign bit
flipped, strings are escaped and terminated by 0x00 0x01. Struct values
encode as the concatenation of their fields.

**Index entries.**
A unique index maps value to primary key. A non-unique index stores
value‖primary key with an empty value.

**Value**: value header, then encoded data, then encoded index key records.

**Value header**:
1. Flags (uvarint).
2. Schema version (uvarint).
3. Modification count (uvarint).
4. Data size (uvarint).
5. Index size (uvarint).

**Value data**: msgpack map of the document, keys sorted.

**Index key records** (inside a value) record the keys contributed by this row.
If index computation changes in the future, we still need to know which index
keys to delete when updating the row, so we store all index keys. Format:
1. Number of entries (uvarint).
2. For each entry: index ordinal (uvarint), key length (uvarint), key bytes.

Sensitive fields never contribute to index keys: indexers see rows with those
fields cleared.
*/
package ledgerdb
