package runtime

// shimPreludeScript defines the pure-JS Node-compatible shims spec §4.2
// marks as needing no capability: `events` (EventEmitter polyfill),
// `path`/`url`/`querystring` (full pure functions), and `buffer`
// (Buffer/Blob backed by Uint8Array). It runs once per isolate context,
// before the extension's own source, the same way dispatchTableScript
// sets up __pihost_dispatch. None of it touches the outside world, so
// unlike fs/http/crypto/process/os/storage it needs no ShimContext and no
// capability check.
//
// These are deliberately reduced subsets, not byte-for-byte Node
// implementations: path is POSIX-only (extensions run against
// extension-relative paths, never host-OS paths), url supports the
// common protocol://host/path?query#hash shape rather than the full
// WHATWG URL state machine, and Buffer has no base64/pooled-allocator
// support. Extensions exercising more than this reduced surface are out
// of scope for now (see DESIGN.md).
const shimPreludeScript = `(function(){
  function EventEmitter() { this._events = {}; }
  EventEmitter.prototype.on = function(name, fn) {
    (this._events[name] = this._events[name] || []).push(fn);
    return this;
  };
  EventEmitter.prototype.once = function(name, fn) {
    var self = this;
    function wrapper() { self.off(name, wrapper); fn.apply(self, arguments); }
    wrapper.listener = fn;
    return this.on(name, wrapper);
  };
  EventEmitter.prototype.off = function(name, fn) {
    var list = this._events[name];
    if (!list) return this;
    this._events[name] = list.filter(function(l) { return l !== fn && l.listener !== fn; });
    return this;
  };
  EventEmitter.prototype.removeListener = EventEmitter.prototype.off;
  EventEmitter.prototype.emit = function(name) {
    var list = this._events[name];
    if (!list || !list.length) return false;
    var args = Array.prototype.slice.call(arguments, 1);
    list.slice().forEach(function(fn) { fn.apply(null, args); });
    return true;
  };
  EventEmitter.prototype.listenerCount = function(name) { return (this._events[name] || []).length; };
  globalThis.events = {EventEmitter: EventEmitter};

  var path = {
    sep: '/',
    join: function() {
      var parts = Array.prototype.slice.call(arguments).filter(function(p){ return p && p.length; });
      return path.normalize(parts.join('/'));
    },
    normalize: function(p) {
      var abs = p.charAt(0) === '/';
      var segs = p.split('/');
      var out = [];
      segs.forEach(function(s) {
        if (s === '' || s === '.') return;
        if (s === '..') {
          if (out.length && out[out.length-1] !== '..') out.pop();
          else if (!abs) out.push('..');
        } else {
          out.push(s);
        }
      });
      var result = out.join('/');
      if (abs) result = '/' + result;
      return result === '' ? (abs ? '/' : '.') : result;
    },
    dirname: function(p) {
      var n = path.normalize(p);
      var idx = n.lastIndexOf('/');
      if (idx < 0) return '.';
      if (idx === 0) return '/';
      return n.slice(0, idx);
    },
    basename: function(p, ext) {
      var n = path.normalize(p);
      var idx = n.lastIndexOf('/');
      var base = idx < 0 ? n : n.slice(idx+1);
      if (ext && base.length > ext.length && base.slice(base.length-ext.length) === ext) {
        base = base.slice(0, base.length-ext.length);
      }
      return base;
    },
    extname: function(p) {
      var b = path.basename(p);
      var idx = b.lastIndexOf('.');
      return (idx <= 0) ? '' : b.slice(idx);
    },
    resolve: function() {
      var parts = Array.prototype.slice.call(arguments);
      var resolved = '';
      for (var i = parts.length - 1; i >= 0 && resolved.charAt(0) !== '/'; i--) {
        resolved = parts[i] + '/' + resolved;
      }
      if (resolved.charAt(0) !== '/') resolved = '/' + resolved;
      return path.normalize(resolved);
    },
    relative: function(from, to) {
      var f = path.resolve(from).split('/').filter(Boolean);
      var t = path.resolve(to).split('/').filter(Boolean);
      var i = 0;
      while (i < f.length && i < t.length && f[i] === t[i]) i++;
      var up = f.slice(i).map(function(){ return '..'; });
      var down = t.slice(i);
      return up.concat(down).join('/') || '.';
    },
    isAbsolute: function(p) { return p.charAt(0) === '/'; },
  };
  globalThis.path = path;

  globalThis.querystring = {
    parse: function(qs) {
      var out = {};
      (qs || '').split('&').forEach(function(pair) {
        if (!pair) return;
        var idx = pair.indexOf('=');
        var k = idx < 0 ? pair : pair.slice(0, idx);
        var v = idx < 0 ? '' : pair.slice(idx+1);
        out[decodeURIComponent(k)] = decodeURIComponent(v.replace(/\+/g, ' '));
      });
      return out;
    },
    stringify: function(obj) {
      return Object.keys(obj || {}).map(function(k) {
        return encodeURIComponent(k) + '=' + encodeURIComponent(obj[k]);
      }).join('&');
    },
  };

  function PihostURL(input, base) {
    var s = String(input);
    if (base && !/^[a-zA-Z][a-zA-Z0-9+.-]*:/.test(s)) {
      var b = new PihostURL(base);
      if (s.charAt(0) === '/') s = b.protocol + '//' + b.host + s;
      else s = b.protocol + '//' + b.host + b.pathname.replace(/[^/]*$/, '') + s;
    }
    var m = /^([a-zA-Z][a-zA-Z0-9+.-]*:)\/\/([^/?#]*)([^?#]*)(\?[^#]*)?(#.*)?$/.exec(s);
    if (!m) throw new TypeError('Invalid URL: ' + s);
    this.protocol = m[1];
    var hostport = m[2].split('@').pop();
    var hp = hostport.split(':');
    this.hostname = hp[0];
    this.port = hp[1] || '';
    this.host = hostport;
    this.pathname = m[3] || '/';
    this.search = m[4] || '';
    this.hash = m[5] || '';
    this.href = s;
    var self = this;
    this.searchParams = {
      get: function(k) { return querystring.parse(self.search.replace(/^\?/, ''))[k]; },
      toString: function() { return self.search.replace(/^\?/, ''); },
    };
  }
  globalThis.url = {URL: PihostURL, parse: function(s) { return new PihostURL(s); }};
  if (typeof globalThis.URL === 'undefined') globalThis.URL = PihostURL;

  function bufferFrom(data, encoding) {
    if (data instanceof Uint8Array) return data;
    if (Array.isArray(data)) return new Uint8Array(data);
    var str = String(data);
    if (encoding && encoding !== 'utf-8' && encoding !== 'utf8') {
      throw new TypeError('Buffer.from: unsupported encoding ' + encoding);
    }
    var bytes = [];
    for (var j = 0; j < str.length; j++) {
      var code = str.charCodeAt(j);
      if (code < 0x80) { bytes.push(code); }
      else if (code < 0x800) { bytes.push(0xc0 | (code >> 6), 0x80 | (code & 0x3f)); }
      else { bytes.push(0xe0 | (code >> 12), 0x80 | ((code >> 6) & 0x3f), 0x80 | (code & 0x3f)); }
    }
    return new Uint8Array(bytes);
  }
  function bufferToString(buf, encoding) {
    if (encoding && encoding !== 'utf-8' && encoding !== 'utf8') {
      throw new TypeError('Buffer.toString: unsupported encoding ' + encoding);
    }
    var out = '';
    for (var j = 0; j < buf.length; ) {
      var c = buf[j];
      if (c < 0x80) { out += String.fromCharCode(c); j += 1; }
      else if ((c & 0xe0) === 0xc0) { out += String.fromCharCode(((c & 0x1f) << 6) | (buf[j+1] & 0x3f)); j += 2; }
      else { out += String.fromCharCode(((c & 0xf) << 12) | ((buf[j+1] & 0x3f) << 6) | (buf[j+2] & 0x3f)); j += 3; }
    }
    return out;
  }
  globalThis.Buffer = {
    from: bufferFrom,
    isBuffer: function(b) { return b instanceof Uint8Array; },
    toString: bufferToString,
  };

  function PihostBlob(parts, opts) {
    var joined = (parts || []).map(function(p) {
      return typeof p === 'string' ? p : bufferToString(p);
    }).join('');
    this._data = joined;
    this.type = (opts && opts.type) || '';
    this.size = joined.length;
  }
  PihostBlob.prototype.text = function() { return Promise.resolve(this._data); };
  globalThis.Blob = PihostBlob;
})();`
